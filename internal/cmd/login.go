package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/islombek4642/tgsecret/internal/api"
	"github.com/islombek4642/tgsecret/internal/config"
	"github.com/islombek4642/tgsecret/internal/credential"
	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/orchestrator"
	"github.com/islombek4642/tgsecret/internal/user"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign a user in through a running daemon",
	Long: `Run the login handshake for one user against a running daemon.

You are asked for the phone number, the login code and, for accounts with
two-step verification, the password. Mistakes can be corrected until the
attempts run out. The password is read without echo.

Without --token, a token is minted from api.jwt_secret.`,
	RunE: runLogin,
}

var (
	loginUser   int64
	loginServer string
	loginToken  string
	loginStart  bool
)

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().Int64Var(&loginUser, "user", 0, "user id to sign in (required)")
	loginCmd.Flags().StringVar(&loginServer, "server", "http://localhost:8080", "daemon API base URL")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "bearer token (default: minted from api.jwt_secret)")
	loginCmd.Flags().BoolVar(&loginStart, "start", true, "start the userbot after a successful login")
	_ = loginCmd.MarkFlagRequired("user")
}

type onboardingReply struct {
	Onboarding orchestrator.OnboardingStatus `json:"onboarding"`
	Account    *credential.Account           `json:"account"`
	Error      *api.ErrorBody                `json:"error"`
}

type apiClient struct {
	base  string
	token string
}

// post sends body as JSON and decodes the reply into out. Error replies
// carry a body too, so the status code is not checked here.
func (c *apiClient) post(path string, body, out any) error {
	a := fiber.Post(strings.TrimRight(c.base, "/") + path).
		Set(fiber.HeaderAuthorization, "Bearer "+c.token).
		Timeout(2 * time.Minute)
	if body != nil {
		a.JSON(body)
	}

	code, raw, errs := a.Bytes()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unexpected response (%d): %s", code, strings.TrimSpace(string(raw)))
	}
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	uid := user.ID(loginUser)
	if !uid.Valid() {
		return fmt.Errorf("--user must be a positive user id")
	}
	token := loginToken
	if token == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if token, err = api.IssueToken([]byte(cfg.API.JWTSecret), uid, false, time.Hour); err != nil {
			return fmt.Errorf("no --token given and cannot mint one: %w", err)
		}
	}
	client := &apiClient{base: loginServer, token: token}
	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())
	base := fmt.Sprintf("/v1/users/%d/onboarding", uid)

	var reply onboardingReply
	if err := client.post(base, nil, &reply); err != nil {
		return err
	}
	for {
		if reply.Error != nil {
			fmt.Fprintf(out, "✗ %s\n", reply.Error.Message)
		}

		var path, field, value string
		var err error
		switch reply.Onboarding.State {
		case "awaiting_phone":
			path, field = "/phone", "phone"
			value, err = prompt(out, in, "Phone number: ")
		case "awaiting_code":
			path, field = "/code", "code"
			value, err = prompt(out, in, attemptsPrompt("Login code", reply.Onboarding.AttemptsLeft))
		case "awaiting_2fa":
			path, field = "/password", "password"
			value, err = promptSecret(cmd, out, in, attemptsPrompt("Two-step verification password", reply.Onboarding.AttemptsLeft))
		case "succeeded":
			fmt.Fprintf(out, "✓ Signed in as %s\n", accountLabel(reply.Account))
			if loginStart {
				return startAfterLogin(client, out, uid)
			}
			return nil
		case "failed":
			return fmt.Errorf("login failed")
		default:
			if reply.Error != nil {
				return fmt.Errorf("%s", reply.Error.Message)
			}
			return fmt.Errorf("unexpected onboarding state %q", reply.Onboarding.State)
		}
		if err != nil {
			return err
		}

		reply = onboardingReply{}
		if err := client.post(base+path, map[string]string{field: value}, &reply); err != nil {
			return err
		}
	}
}

func startAfterLogin(client *apiClient, out io.Writer, uid user.ID) error {
	var reply struct {
		Instance orchestrator.InstanceStatus `json:"instance"`
		Error    *api.ErrorBody              `json:"error"`
	}
	if err := client.post(fmt.Sprintf("/v1/users/%d/instance/start", uid), nil, &reply); err != nil {
		return err
	}
	if reply.Error != nil {
		return fmt.Errorf("userbot not started: %s", reply.Error.Message)
	}
	fmt.Fprintf(out, "✓ Userbot %s\n", reply.Instance.State)
	return nil
}

func attemptsPrompt(label string, left int) string {
	if left > 0 {
		return fmt.Sprintf("%s (%d attempts left): ", label, left)
	}
	return label + ": "
}

func accountLabel(a *credential.Account) string {
	if a == nil {
		return "unknown account"
	}
	if a.Username != "" {
		return "@" + a.Username
	}
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

func prompt(out io.Writer, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptSecret reads without echo when stdin is a terminal.
func promptSecret(cmd *cobra.Command, out io.Writer, in *bufio.Reader, label string) (string, error) {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return prompt(out, in, label)
	}
	fmt.Fprint(out, label)
	secret, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(secret), nil
}
