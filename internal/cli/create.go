// create.go implements "testroom create" for operator-defined sessions.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/testroom-dev/testroom/internal/lifecycle"
	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/session"
)

var createCmd = &cobra.Command{
	Use:   "create --os linux|windows --image ami-...",
	Short: "Create a test room session",
	Long: `Create a pending test room session. Participants start it by opening
the room with its password. With --launch the instance is provisioned right
away, without the password gate.

Use --password to be prompted for the room password.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

var (
	createOS        string
	createImage     string
	createTitle     string
	createTestName  string
	createScript    string
	createScriptArg string
	createLimit     time.Duration
	createPassword  bool
	createLaunch    bool
)

func init() {
	f := createCmd.Flags()
	f.StringVar(&createOS, "os", "", "Instance OS: linux or windows")
	f.StringVar(&createImage, "image", "", "Machine image id")
	f.StringVar(&createTitle, "title", "", "Room title")
	f.StringVar(&createTestName, "test-name", "", "Test name, used to tag the instance and snapshot")
	f.StringVar(&createScript, "probe-file", "", "File holding the pass/fail probe script")
	f.StringVar(&createScriptArg, "probe", "", "Inline probe script")
	f.DurationVar(&createLimit, "time-limit", 0, "Session length once running (default from config)")
	f.BoolVar(&createPassword, "password", false, "Prompt for a room password")
	f.BoolVar(&createLaunch, "launch", false, "Provision immediately")
	_ = createCmd.MarkFlagRequired("os")
	_ = createCmd.MarkFlagRequired("image")
	createCmd.MarkFlagsMutuallyExclusive("probe", "probe-file")
}

func runCreate(cmd *cobra.Command, args []string) error {
	logger := log.NewCLILogger(verbosity)
	ctx := commandContext(cmd.Context(), logger)

	script := createScriptArg
	if createScript != "" {
		data, err := os.ReadFile(createScript)
		if err != nil {
			return fmt.Errorf("reading probe script: %w", err)
		}
		script = string(data)
	}

	var password string
	if createPassword {
		var err error
		if password, err = promptPassword("Room password: "); err != nil {
			return err
		}
	}

	a, err := openApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.manager(ctx)
	if err != nil {
		return err
	}

	sess, err := svc.manager.Create(ctx, lifecycle.CreateRequest{
		Title:       createTitle,
		TestName:    createTestName,
		OS:          session.OS(strings.ToLower(createOS)),
		ImageID:     createImage,
		ProbeScript: script,
		Password:    password,
		TimeLimit:   createLimit,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created session %s (%s, %s)\n", sess.ID, sess.OS, sess.TimeLimit)

	if createLaunch {
		if err := svc.manager.Launch(ctx, sess.ID); err != nil {
			return fmt.Errorf("launching %s: %w", sess.ID, err)
		}
		fmt.Println("Provisioning queued; a running 'testroom serve' picks it up.")
	}
	return nil
}

// promptPassword reads a password without echo on a terminal and as a
// plain line otherwise.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}
