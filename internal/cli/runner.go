package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fishvault/launchgate/internal/api"
	"github.com/fishvault/launchgate/internal/appclient"
	"github.com/fishvault/launchgate/internal/config"
	"github.com/fishvault/launchgate/internal/doctor"
	"github.com/fishvault/launchgate/internal/model"
)

// errUsage marks argument errors so Run can exit with status 2.
var errUsage = errors.New("usage error")

type Runner struct {
	client     *appclient.Client
	socketPath string
	custom     bool
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	r := newRunner(appclient.New(socketPath), out, errOut)
	r.socketPath = socketPath
	return r
}

// NewRunnerWithClient targets baseURL instead of the daemon socket.
func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	r := newRunner(appclient.NewWithClient(baseURL, client), out, errOut)
	r.custom = true
	return r
}

func newRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, in: os.Stdin, out: out, errOut: errOut}
}

// WithInput replaces stdin for commands that read payloads from "-".
func (r *Runner) WithInput(in io.Reader) *Runner {
	r.in = in
	return r
}

// Run executes args and returns the process exit code: 0 on success, 2 on
// usage errors and 1 when the daemon call fails.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	if errors.Is(err, errUsage) || isFlagError(err) {
		return 2
	}
	return 1
}

func isFlagError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.Contains(msg, "flag needs an argument") ||
		strings.Contains(msg, "invalid argument") ||
		strings.HasPrefix(msg, "accepts ") ||
		strings.HasPrefix(msg, "requires ")
}

func (r *Runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "launchgate",
		Short:         "Drive and observe the launchgate daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			socket, _ := cmd.Flags().GetString("socket")
			if socket != "" && !r.custom && socket != r.socketPath {
				r.client = appclient.New(socket)
				r.socketPath = socket
			}
		},
	}
	root.PersistentFlags().String("socket", "", "daemon unix socket path")
	root.PersistentFlags().Bool("json", false, "output JSON")

	root.AddCommand(
		r.healthCommand(),
		r.stateCommand(),
		r.watchCommand(),
		r.eventCommand(),
		r.notifyCommand(),
		r.pushTokenCommand(),
		r.tempURLCommand(),
		r.networkCommand(),
		r.permissionCommand(),
		r.doctorCommand(),
	)
	return root
}

func (r *Runner) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.Health(cmd.Context())
			if err != nil {
				return err
			}
			return r.emit(cmd, resp, func() string {
				return fmt.Sprintf("%s\tphase=%s\tconversion_dispatched=%t", resp.Status, resp.Phase, resp.Dispatched)
			})
		},
	}
}

func (r *Runner) stateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the current application state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.State(cmd.Context())
			if err != nil {
				return err
			}
			return r.emit(cmd, resp, func() string {
				return formatState(resp.State) + "\tnetwork=" + resp.Network
			})
		},
	}
}

func (r *Runner) watchCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow state changes and reload requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			enc := json.NewEncoder(r.out)
			err := r.client.WatchLoop(cmd.Context(), appclient.WatchLoopOptions{Once: once}, func(line api.WatchLine) error {
				if jsonOut {
					return enc.Encode(line)
				}
				_, err := fmt.Fprintln(r.out, formatWatchLine(line))
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "print the current state and exit")
	return cmd
}

func (r *Runner) eventCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Feed attribution SDK callbacks into the daemon",
	}
	recordCmd := func(use, short string, submit func(*appclient.Client, context.Context, model.Record) (api.IngestResponse, error)) *cobra.Command {
		var data, file string
		c := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				raw, err := r.readPayload(data, file)
				if err != nil {
					return err
				}
				var rec model.Record
				if err := json.Unmarshal(raw, &rec); err != nil {
					return fmt.Errorf("%w: data must be a JSON object: %v", errUsage, err)
				}
				resp, err := submit(r.client, cmd.Context(), rec)
				if err != nil {
					return err
				}
				return r.emit(cmd, resp, func() string { return "accepted\t" + resp.Kind })
			},
		}
		c.Flags().StringVar(&data, "data", "", "record as a JSON object")
		c.Flags().StringVar(&file, "file", "", "read the record from a file, - for stdin")
		return c
	}

	var reason string
	failure := &cobra.Command{
		Use:   "conversion-failure",
		Short: "Report that conversion data could not be fetched",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.SubmitConversionFailure(cmd.Context(), reason)
			if err != nil {
				return err
			}
			return r.emit(cmd, resp, func() string { return "accepted\t" + resp.Kind })
		},
	}
	failure.Flags().StringVar(&reason, "reason", "", "failure description")

	cmd.AddCommand(
		recordCmd("conversion", "Submit conversion data", (*appclient.Client).SubmitConversion),
		recordCmd("deeplink", "Submit deep link values", (*appclient.Client).SubmitDeeplink),
		failure,
	)
	return cmd
}

func (r *Runner) notifyCommand() *cobra.Command {
	var payload, file string
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Deliver a tapped push notification payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := r.readPayload(payload, file)
			if err != nil {
				return err
			}
			if !json.Valid(raw) {
				return fmt.Errorf("%w: payload is not valid JSON", errUsage)
			}
			resp, err := r.client.PostNotification(cmd.Context(), raw)
			if err != nil {
				return err
			}
			return r.emit(cmd, resp, func() string {
				if !resp.Routed {
					return "ignored\tno destination"
				}
				return "routed\t" + resp.URL
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "notification payload as JSON")
	cmd.Flags().StringVar(&file, "file", "", "read the payload from a file, - for stdin")
	return cmd
}

func (r *Runner) pushTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "push-token <token>",
		Short: "Store the push registration token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.client.SavePushToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.emit(cmd, resp, func() string { return resp.ResultCode })
		},
	}
}

func (r *Runner) tempURLCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "temp-url",
		Short: "Inspect the pending notification destination",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "consume",
		Short: "Take the pending destination, clearing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.ConsumeTempURL(cmd.Context())
			if err != nil {
				return err
			}
			return r.emit(cmd, resp, func() string {
				if !resp.Found {
					return "none"
				}
				return resp.URL
			})
		},
	})
	return cmd
}

func (r *Runner) networkCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "network <up|down>",
		Short:     "Report host connectivity",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var satisfied bool
			switch strings.ToLower(args[0]) {
			case "up", "online", "satisfied":
				satisfied = true
			case "down", "offline", "unsatisfied":
			default:
				return fmt.Errorf("%w: network expects up or down, got %q", errUsage, args[0])
			}
			resp, err := r.client.ReportNetwork(cmd.Context(), satisfied)
			if err != nil {
				return err
			}
			return r.emit(cmd, resp, func() string { return "network=" + resp.Network })
		},
	}
}

func (r *Runner) permissionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permission",
		Short: "Answer the notification permission prompt",
	}
	answer := func(use, short string, call func(*appclient.Client, context.Context) (api.PermissionResponse, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				resp, err := call(r.client, cmd.Context())
				if err != nil {
					return err
				}
				return r.emit(cmd, resp, func() string {
					return fmt.Sprintf("granted=%t\t%s", resp.Granted, formatState(resp.State))
				})
			},
		}
	}
	cmd.AddCommand(
		answer("grant", "Accept notifications", (*appclient.Client).GrantPermission),
		answer("deny", "Defer the prompt", (*appclient.Client).DenyPermission),
	)
	return cmd
}

// doctorCommand reads configuration the way the daemon does. It needs no
// running daemon.
func (r *Runner) doctorCommand() *cobra.Command {
	var configFile, envFile string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database and daemon socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{File: configFile, EnvFile: envFile})
			if err != nil {
				return err
			}
			if r.socketPath != "" {
				cfg.SocketPath = r.socketPath
			}
			res := doctor.Run(cmd.Context(), cfg)
			if err := r.emit(cmd, res, func() string { return formatDoctor(res) }); err != nil {
				return err
			}
			if !res.OK {
				return errors.New("doctor found failing checks")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file")
	return cmd
}

func (r *Runner) readPayload(inline, file string) ([]byte, error) {
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("%w: use either an inline payload or --file", errUsage)
	case inline != "":
		return []byte(inline), nil
	case file == "-":
		raw, err := io.ReadAll(io.LimitReader(r.in, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return raw, nil
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: a payload is required", errUsage)
	}
}

func (r *Runner) emit(cmd *cobra.Command, payload any, text func() string) error {
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	_, err := fmt.Fprintln(r.out, text())
	return err
}

func formatState(s api.StateSnapshot) string {
	parts := []string{"phase=" + s.Phase}
	if s.TargetURL != "" {
		parts = append(parts, "url="+s.TargetURL)
	}
	if s.Splash {
		parts = append(parts, "splash")
	}
	if s.ShowPermissionPrompt {
		parts = append(parts, "permission_prompt")
	}
	return strings.Join(parts, "\t")
}

func formatWatchLine(line api.WatchLine) string {
	switch line.Type {
	case api.WatchTypeLoadTempURL:
		return fmt.Sprintf("#%d\treload\t%s", line.Sequence, line.URL)
	case api.WatchTypeState:
		if line.State != nil {
			return fmt.Sprintf("#%d\t%s", line.Sequence, formatState(*line.State))
		}
	}
	return fmt.Sprintf("#%d\t%s", line.Sequence, line.Type)
}

func formatDoctor(res doctor.Result) string {
	lines := make([]string, 0, len(res.Checks))
	for _, c := range res.Checks {
		line := fmt.Sprintf("%s\t%s\t%s", c.Status, c.Name, c.Message)
		if c.Path != "" {
			line += "\t" + c.Path
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
