// mxclient is a reference client for the Matrix SDK: a demo/example
// program exercising login, sync, messaging, and SAS device verification
// from the command line. It is not part of the SDK's public contract.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/skip2/go-qrcode"
	"golang.org/x/term"

	"github.com/armorclaw/matrixsdk/pkg/config"
	"github.com/armorclaw/matrixsdk/pkg/connection"
	"github.com/armorclaw/matrixsdk/pkg/e2ee/verification"
	"github.com/armorclaw/matrixsdk/pkg/event"
	"github.com/armorclaw/matrixsdk/pkg/job"
	"github.com/armorclaw/matrixsdk/pkg/logger"
	"github.com/armorclaw/matrixsdk/pkg/persistence"
	"github.com/armorclaw/matrixsdk/pkg/room"
)

// stdinIsTerminal reports whether stdin is an interactive terminal. login
// and verify fall back to flag-only input when it isn't, since huh's forms
// require a real tty.
func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

type cliConfig struct {
	command    string
	configPath string
	logLevel   string
	verbose    bool
	version    bool
	help       bool

	// login flags
	userID     string
	homeserver string
	deviceName string

	// room-scoped command flags
	roomID string
	text   string
}

func main() {
	cliCfg := parseFlags()

	if cliCfg.version {
		printVersion()
		return
	}
	if cliCfg.help || cliCfg.command == "" {
		printHelp()
		return
	}

	if cliCfg.verbose {
		cliCfg.logLevel = "debug"
	}
	level := cliCfg.logLevel
	if level == "" {
		level = "info"
	}
	if err := logger.Initialize(level, "text", "stderr"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: logger init failed: %v\n", err)
	}

	var err error
	switch cliCfg.command {
	case "init":
		err = runInitCommand(cliCfg)
	case "validate":
		err = runValidateCommand(cliCfg)
	case "login":
		err = runLoginCommand(cliCfg)
	case "sync":
		err = runSyncCommand(cliCfg)
	case "rooms":
		err = runRoomsCommand(cliCfg)
	case "send":
		err = runSendCommand(cliCfg)
	case "verify":
		err = runVerifyCommand(cliCfg)
	case "help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cliCfg.command)
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "mxclient: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() cliConfig {
	cfg := cliConfig{}

	flag.StringVar(&cfg.configPath, "config", defaultConfigPath(), "Path to configuration file")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&cfg.verbose, "v", false, "Verbose logging (sets log level to debug)")
	flag.BoolVar(&cfg.version, "version", false, "Print version and exit")
	flag.BoolVar(&cfg.help, "help", false, "Show help message")

	flag.StringVar(&cfg.userID, "user", "", "Matrix user ID (login command)")
	flag.StringVar(&cfg.homeserver, "homeserver", "", "Homeserver base URL, overrides discovery")
	flag.StringVar(&cfg.deviceName, "device-name", "mxclient", "Initial device display name (login command)")

	flag.StringVar(&cfg.roomID, "room", "", "Room ID (send command)")
	flag.StringVar(&cfg.text, "text", "", "Message body (send command)")

	flag.Parse()

	args := flag.Args()
	if len(args) > 0 {
		cfg.command = args[0]
	}

	return cfg
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return home + "/.matrixsdk/config.toml"
}

func printVersion() {
	fmt.Printf("mxclient v%s (built %s)\n", version, buildTime)
}

func printHelp() {
	fmt.Println(`mxclient - Matrix SDK reference client

Usage:
  mxclient [flags] <command>

Commands:
  init        Write a default configuration file
  validate    Load and validate the configuration file
  login       Interactively log in and persist the session
  sync        Run the sync loop, printing room events as they arrive
  rooms       List joined and invited rooms
  send        Send a text message: -room !id:example.org -text "hi"
  verify      Show a verification QR code and confirm it locally (-user)

Flags:`)
	flag.PrintDefaults()
}

var headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
var dimStyle = lipgloss.NewStyle().Faint(true)

func runInitCommand(cliCfg cliConfig) error {
	if err := config.GenerateExampleConfig(cliCfg.configPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Println(headingStyle.Render("wrote config to " + cliCfg.configPath))
	return nil
}

func runValidateCommand(cliCfg cliConfig) error {
	cfg, err := config.Load(cliCfg.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Println(headingStyle.Render("configuration is valid"))
	return nil
}

// runLoginCommand walks the user through an interactive huh form,
// resolves the homeserver, performs m.login.password, and persists the
// resulting session under the configured cache and keyring.
func runLoginCommand(cliCfg cliConfig) error {
	cfg, err := loadOrDefaultConfig(cliCfg.configPath)
	if err != nil {
		return err
	}

	userID := cliCfg.userID
	homeserver := cliCfg.homeserver
	password := os.Getenv("MXCLIENT_PASSWORD")

	if stdinIsTerminal() {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Matrix user ID").
					Placeholder("@alice:example.org").
					Value(&userID).
					Validate(func(s string) error {
						if !strings.HasPrefix(s, "@") {
							return fmt.Errorf("user id must start with '@'")
						}
						return nil
					}),
				huh.NewInput().
					Title("Homeserver (leave blank to discover from the user id)").
					Value(&homeserver),
				huh.NewInput().
					Title("Password").
					EchoMode(huh.EchoModePassword).
					Value(&password),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("login form cancelled: %w", err)
		}
	} else if userID == "" || password == "" {
		return fmt.Errorf("non-interactive login requires -user and MXCLIENT_PASSWORD")
	}

	conn, err := buildConnection(cfg, userID)
	if err != nil {
		return err
	}

	ctx := context.Background()
	resolveTarget := userID
	if homeserver != "" {
		resolveTarget = homeserver
	}
	if err := conn.ResolveServer(ctx, resolveTarget); err != nil {
		return fmt.Errorf("resolving homeserver: %w", err)
	}

	if err := conn.LoginWithPassword(ctx, userID, password, cliCfg.deviceName, ""); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := conn.SaveState(ctx); err != nil {
		return fmt.Errorf("saving session state: %w", err)
	}

	cfg.Accounts[conn.UserID()] = config.AccountConfig{
		Homeserver: homeserver,
		DeviceID:   conn.DeviceID(),
	}
	if err := config.Save(cfg, cliCfg.configPath); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println(headingStyle.Render(fmt.Sprintf("logged in as %s on device %s", conn.UserID(), conn.DeviceID())))
	return nil
}

// runSyncCommand resumes a persisted session and long-polls /sync,
// printing each queued room-registry update (time, signal, room ID) until
// interrupted; timeline events themselves are not printed.
func runSyncCommand(cliCfg cliConfig) error {
	conn, cfg, err := resumeSession(cliCfg)
	if err != nil {
		return err
	}

	conn.On(connection.SignalNewRoom, func(payload any) {
		if r, ok := payload.(*room.Room); ok {
			fmt.Println(headingStyle.Render("joined room " + r.ID))
		}
	})

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println(dimStyle.Render("syncing, press ctrl-c to stop"))
	conn.SyncLoop(ctx, int(cfg.SyncTimeout().Milliseconds()))

	go drainRoomUpdates(conn)

	<-ctx.Done()
	conn.StopSync()
	return conn.SaveState(context.Background())
}

func drainRoomUpdates(conn *connection.Connection) {
	for u := range conn.RoomUpdates() {
		roomID := "?"
		if r, ok := u.Room.(*room.Room); ok && r != nil {
			roomID = r.ID
		}
		fmt.Printf("%s  %s  %s\n", dimStyle.Render(time.Now().Format(time.Kitchen)), u.Signal, roomID)
	}
}

func runRoomsCommand(cliCfg cliConfig) error {
	conn, cfg, err := resumeSession(cliCfg)
	if err != nil {
		return err
	}
	if err := conn.Sync(context.Background(), int(cfg.SyncTimeout().Milliseconds())); err != nil {
		return fmt.Errorf("syncing room list: %w", err)
	}

	rooms := conn.Rooms()
	if len(rooms) == 0 {
		fmt.Println(dimStyle.Render("no rooms"))
		return nil
	}
	fmt.Println(headingStyle.Render(fmt.Sprintf("%d room(s)", len(rooms))))
	for _, r := range rooms {
		fmt.Printf("  %-10s %s\n", r.State, r.ID)
	}
	return nil
}

// runSendCommand posts a single m.room.message to -room, transparently
// megolm-encrypting it first if the room is encrypted.
func runSendCommand(cliCfg cliConfig) error {
	if cliCfg.roomID == "" || cliCfg.text == "" {
		return fmt.Errorf("send requires -room and -text")
	}
	conn, _, err := resumeSession(cliCfg)
	if err != nil {
		return err
	}

	content := event.RoomMessageContent{MsgType: "m.text", Body: cliCfg.text}
	eventID, err := conn.SendMessage(context.Background(), cliCfg.roomID, "m.room.message", content)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	fmt.Println(headingStyle.Render("sent " + eventID))
	return nil
}

// runVerifyCommand renders this device's verification QR code for the
// user named by -user to the terminal and asks the operator to confirm
// the short authentication string. It does not start a SAS session and
// sends no m.key.verification.* event; a confirmation only prints a
// message.
func runVerifyCommand(cliCfg cliConfig) error {
	if cliCfg.userID == "" {
		return fmt.Errorf("verify requires -user <remote matrix id>")
	}
	conn, _, err := resumeSession(cliCfg)
	if err != nil {
		return err
	}

	txnID := conn.GenerateTxnId()
	code, err := conn.GenerateVerificationQR(txnID, verification.QRModeVerifyingAnotherUser)
	if err != nil {
		return fmt.Errorf("generating verification QR: %w", err)
	}

	qr, err := qrcode.New(string(code.Encode()), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("rendering QR: %w", err)
	}
	fmt.Println(headingStyle.Render("scan this code on the other device:"))
	fmt.Println(qr.ToString(false))

	if !stdinIsTerminal() {
		return fmt.Errorf("verify requires an interactive terminal to confirm the authentication string")
	}

	var confirmed bool
	confirmForm := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Does the short authentication string match on both devices?").
				Value(&confirmed),
		),
	)
	if err := confirmForm.Run(); err != nil {
		return fmt.Errorf("verification form cancelled: %w", err)
	}
	if !confirmed {
		return fmt.Errorf("verification aborted: strings did not match")
	}

	fmt.Println(headingStyle.Render("verification confirmed for " + cliCfg.userID))
	return nil
}

func loadOrDefaultConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return config.DefaultConfig(), nil
}

// buildConnection wires a fresh Connection from cfg: the job Runner's
// token callback closes over conn itself, so conn is assigned only after
// New returns.
func buildConnection(cfg *config.Config, userID string) (*connection.Connection, error) {
	opts, err := connection.OptionsFromConfig(cfg, userID)
	if err != nil {
		return nil, err
	}

	var conn *connection.Connection
	opts.Runner = job.New(job.Config{
		Token: func() string { return conn.AccessToken() },
	})
	opts.RoomFactory = room.NewRoom

	conn = connection.New(opts)
	return conn, nil
}

// resumeSession rebuilds a Connection for an already-logged-in account:
// it reads the single configured account out of cfg, reattaches its
// access token from the keyring via AssumeIdentity, and reloads the
// cached sync state.
func resumeSession(cliCfg cliConfig) (*connection.Connection, *config.Config, error) {
	cfg, err := config.Load(cliCfg.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config (run 'mxclient login' first): %w", err)
	}

	userID := cliCfg.userID
	if userID == "" {
		for id := range cfg.Accounts {
			userID = id
			break
		}
	}
	if userID == "" {
		return nil, nil, fmt.Errorf("no persisted account; run 'mxclient login' first")
	}

	conn, err := buildConnection(cfg, userID)
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	token, err := readAccessToken(cfg, userID)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.AssumeIdentity(ctx, userID, token); err != nil {
		return nil, nil, fmt.Errorf("resuming session: %w", err)
	}
	if _, err := conn.LoadState(ctx); err != nil {
		return nil, nil, fmt.Errorf("loading cached state: %w", err)
	}
	return conn, cfg, nil
}

func readAccessToken(cfg *config.Config, userID string) (string, error) {
	opts, err := connection.OptionsFromConfig(cfg, userID)
	if err != nil {
		return "", err
	}
	return persistence.ReadAccessToken(context.Background(), opts.Keyring, userID)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
