package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/splax/localvercel/internal/builder/archive"
	apiclient "github.com/splax/localvercel/pkg/api/client"
)

const defaultAPIBase = "http://localhost:4000"

type cliConfig struct {
	APIBaseURL  string `yaml:"api_base_url"`
	AccessToken string `yaml:"access_token,omitempty"`
	Email       string `yaml:"email,omitempty"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "login":
		err = commandLogin(ctx, args, false)
	case "signup":
		err = commandLogin(ctx, args, true)
	case "logout":
		err = commandLogout()
	case "whoami":
		err = commandWhoami(ctx)
	case "project":
		err = commandProject(ctx, args)
	case "deploy":
		err = commandDeploy(ctx, args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(ctx context.Context, args []string, signup bool) error {
	name := "login"
	if signup {
		name = "signup"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	address := strings.TrimSpace(*email)
	if address == "" {
		address = cfg.Email
	}
	if address == "" {
		return errors.New("--email is required")
	}
	secret := *password
	if secret == "" {
		if secret, err = readPassword("Password: "); err != nil {
			return err
		}
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var session apiclient.Session
	if signup {
		session, err = client.Signup(reqCtx, address, secret)
	} else {
		session, err = client.Login(reqCtx, address, secret)
	}
	if err != nil {
		return err
	}
	cfg.APIBaseURL = client.BaseURL()
	cfg.AccessToken = session.Tokens.AccessToken
	cfg.Email = session.User.Email
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("logged in as %s (token expires %s)\n", session.User.Email, humanize.Time(session.Tokens.ExpiresAt))
	return nil
}

func commandLogout() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.AccessToken = ""
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func commandWhoami(ctx context.Context) error {
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	user, err := client.Whoami(reqCtx, token)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", user.Email, user.ID)
	return nil
}

func commandProject(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep project [list|create|delete]")
	}
	switch args[0] {
	case "list":
		return projectList(ctx, args[1:])
	case "create":
		return projectCreate(ctx, args[1:])
	case "delete":
		return projectDelete(ctx, args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", args[0])
	}
}

func projectList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum number of projects to display")
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(reqCtx, token)
	if err != nil {
		return err
	}
	count := len(projects)
	if *limit > 0 && *limit < count {
		count = *limit
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED")
	for _, p := range projects[:count] {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Name, humanize.Time(p.CreatedAt))
	}
	return tw.Flush()
}

func projectCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	description := fs.String("description", "", "Optional description")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	project, err := client.CreateProject(reqCtx, token, apiclient.CreateProjectInput{
		Name:        *name,
		Description: *description,
	})
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s)\n", project.ID, project.Name)
	return nil
}

func projectDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("project delete", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.DeleteProject(reqCtx, token, *projectID); err != nil {
		return err
	}
	fmt.Println("project deleted")
	return nil
}

func commandDeploy(ctx context.Context, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return deployUpload(ctx, args)
	}
	switch args[0] {
	case "list":
		return deployList(ctx, args[1:])
	case "status":
		return deployStatus(ctx, args[1:])
	case "logs":
		return deployLogs(ctx, args[1:])
	default:
		return fmt.Errorf("unknown deploy command: %s", args[0])
	}
}

func deployUpload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	dir := fs.String("dir", ".", "Project directory to zip and upload")
	archivePath := fs.String("archive", "", "Upload an existing zip instead of -dir")
	message := fs.String("message", "", "Commit message shown in the dashboard")
	wait := fs.Bool("wait", true, "Wait for the build to finish")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}

	path := strings.TrimSpace(*archivePath)
	if path == "" {
		packed, err := packDir(ctx, *dir)
		if err != nil {
			return err
		}
		defer os.Remove(packed)
		path = packed
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("uploading %s\n", humanize.IBytes(uint64(info.Size())))

	uploadCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	dep, err := client.UploadDeployment(uploadCtx, token, *projectID, f, *message)
	if err != nil {
		return err
	}
	fmt.Printf("deployment queued: %s\n", dep.ID)
	if !*wait {
		return nil
	}
	return waitAndReport(ctx, client, token, dep.ID)
}

// packDir zips dir into a temp file, skipping dependency and VCS folders.
func packDir(ctx context.Context, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(abs, "package.json")); err != nil {
		return "", fmt.Errorf("%s does not contain a package.json", abs)
	}
	tmp, err := os.CreateTemp("", "peep-*.zip")
	if err != nil {
		return "", err
	}
	if err := archive.Pack(ctx, abs, tmp, archive.DefaultSkipDirs); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("zip %s: %w", abs, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func waitAndReport(ctx context.Context, client *apiclient.Client, token, deploymentID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()
	dep, err := client.WaitForDeployment(waitCtx, token, deploymentID, 2*time.Second, func(d apiclient.Deployment) {
		fmt.Printf("  %s (%s)\n", d.Status, d.Stage)
	})
	if err != nil {
		return err
	}
	if dep.Status == "error" {
		if dep.Log != "" {
			fmt.Fprint(os.Stderr, tail(dep.Log, 40))
		}
		return fmt.Errorf("deployment failed during %s: %s", dep.Stage, dep.Error)
	}
	fmt.Printf("ready: %s\n", dep.URL)
	return nil
}

func deployList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deploy list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 10, "Maximum number of deployments")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(reqCtx, token, *projectID, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTAGE\tCREATED\tMESSAGE")
	for _, d := range deployments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Status, d.Stage, humanize.Time(d.CreatedAt), d.CommitMessage)
	}
	return tw.Flush()
}

func deployStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deploy status", flag.ExitOnError)
	deploymentID := fs.String("id", "", "Deployment identifier")
	wait := fs.Bool("wait", false, "Poll until the deployment finishes")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--id is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	if *wait {
		return waitAndReport(ctx, client, token, *deploymentID)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	d, err := client.GetDeployment(reqCtx, token, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Printf("id:        %s\nstatus:    %s\nstage:     %s\n", d.ID, d.Status, d.Stage)
	if d.Framework != "" {
		fmt.Printf("framework: %s (%s)\n", d.Framework, d.PackageManager)
	}
	if d.URL != "" {
		fmt.Printf("url:       %s\n", d.URL)
	}
	if d.Error != "" {
		fmt.Printf("error:     %s\n", d.Error)
	}
	return nil
}

func deployLogs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deploy logs", flag.ExitOnError)
	deploymentID := fs.String("id", "", "Deployment identifier")
	limit := fs.Int("limit", 1000, "Maximum number of lines")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--id is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	entries, err := client.DeploymentLogs(reqCtx, token, *deploymentID, *limit, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.CreatedAt.Local().Format("15:04:05"), e.Source, e.Message)
	}
	return nil
}

func authedClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'peep login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func tail(s string, lines int) string {
	parts := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n") + "\n"
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PEEP_CONFIG")); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "peep", "config.yaml"), nil
}

func printUsage() {
	fmt.Printf("peep CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	peep signup --email user@example.com [--password secret] [--api http://localhost:4000]
	peep login --email user@example.com [--password secret] [--api http://localhost:4000]
	peep logout
	peep whoami
	peep project list [--limit N]
	peep project create --name <name> [--description text]
	peep project delete --project <project-id>
	peep deploy --project <project-id> [--dir PATH | --archive FILE] [--message text] [--wait=false]
	peep deploy list --project <project-id> [--limit N]
	peep deploy status --id <deployment-id> [--wait]
	peep deploy logs --id <deployment-id> [--limit N]
	peep version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
