package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/client"
	"wynnbridge/pkg/config"

	"github.com/spf13/cobra"
)

var agentOpts struct {
	url     string
	token   string
	secret  string
	guild   string
	from    string
	version string
	hr      bool
}

// agentCmd simulates an in-game agent.
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Connect as a game agent and relay stdin lines",
	Long: "Connects to the gateway as an in-game agent of one guild. Every stdin line is " +
		"reported as a guild chat line; /sync realigns the cursor, /online lists agents, " +
		"/only <author>: <text> sends a platform-only message. Platform messages for the guild are printed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		opts, err := resolveClientOptions(agentOpts.url, agentOpts.token, agentOpts.secret, agentOpts.guild)
		if err != nil {
			return err
		}
		opts.From = agentOpts.from
		opts.Version = agentOpts.version

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conn, err := client.Dial(ctx, opts)
		if err != nil {
			return err
		}
		defer conn.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "connected to %s as %s\n", opts.URL, opts.GuildID)
		return runAgent(ctx, conn, cmd.InOrStdin(), cmd.OutOrStdout(), agentOpts.hr)
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	addClientFlags(agentCmd, &agentOpts.url, &agentOpts.token, &agentOpts.secret)
	agentCmd.Flags().StringVarP(&agentOpts.guild, "guild", "g", "", "guild id to claim when issuing a token")
	agentCmd.Flags().StringVar(&agentOpts.from, "from", "", "agent label sent as the From header")
	agentCmd.Flags().StringVar(&agentOpts.version, "client-version", "", "client version sent as the User-Agent header")
	agentCmd.Flags().BoolVar(&agentOpts.hr, "hr", false, "report lines as management chat")
}

// frameConn is the part of client.Conn the interactive loops use.
type frameConn interface {
	Send(event string, payload any) error
	Request(event string, payload any) (string, error)
	Read() (bus.Frame, error)
}

func runAgent(ctx context.Context, conn frameConn, in io.Reader, out io.Writer, hr bool) error {
	go printIncoming(conn, out)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if isExitCommand(input) {
				return nil
			}
			if err := sendAgentInput(conn, input, hr); err != nil {
				fmt.Fprintf(out, "send failed: %v\n", err)
			}
		}
	}
}

func sendAgentInput(conn frameConn, input string, hr bool) error {
	switch {
	case input == "/sync":
		return conn.Send(bus.WireSync, nil)
	case input == "/online":
		_, err := conn.Request(bus.WireListOnline, nil)
		return err
	case strings.HasPrefix(input, "/only "):
		return conn.Send(bus.WirePlatformOnly, strings.TrimSpace(strings.TrimPrefix(input, "/only ")))
	case hr:
		return conn.Send(bus.WireHR, input)
	default:
		return conn.Send(bus.WireChat, input)
	}
}

func printIncoming(conn frameConn, out io.Writer) {
	for {
		frame, err := conn.Read()
		if err != nil {
			fmt.Fprintf(out, "connection closed: %v\n", err)
			return
		}
		if line := describeFrame(frame); line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

func describeFrame(frame bus.Frame) string {
	switch frame.Type {
	case bus.WirePlatform:
		var msg bus.PlatformMessage
		if err := client.Decode(frame, &msg); err != nil {
			return ""
		}
		return fmt.Sprintf("[%s] %s: %s", msg.GuildID, msg.Author, msg.Content)
	case bus.WireListOnline:
		var names []string
		if err := client.Decode(frame, &names); err != nil {
			return ""
		}
		if len(names) == 0 {
			return "online: nobody"
		}
		return "online: " + strings.Join(names, ", ")
	case bus.WireChat:
		var msg bus.RelayMessage
		if err := client.Decode(frame, &msg); err != nil {
			return ""
		}
		return fmt.Sprintf("#%s %s: %s", msg.ListeningChannel, msg.HeaderContent, msg.TextContent)
	default:
		return ""
	}
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}

func addClientFlags(cmd *cobra.Command, url, token, secret *string) {
	cmd.Flags().StringVar(url, "url", "", "gateway websocket url (default from config)")
	cmd.Flags().StringVar(token, "token", "", "bearer token; issued locally from the shared secret when empty")
	cmd.Flags().StringVar(secret, "secret", "", "shared secret used to issue a token (default from config)")
}

// resolveClientOptions fills url and secret from config.json when flags leave
// them empty.
func resolveClientOptions(url, token, secret, guild string) (client.Options, error) {
	opts := client.Options{
		URL:     strings.TrimSpace(url),
		Token:   strings.TrimSpace(token),
		Secret:  strings.TrimSpace(secret),
		GuildID: strings.TrimSpace(guild),
	}

	needsSecret := opts.Token == "" && opts.Secret == ""
	if opts.URL == "" || needsSecret {
		cfg, err := config.LoadConfig()
		if err != nil {
			return client.Options{}, fmt.Errorf("flags incomplete and config unavailable: %w", err)
		}
		if opts.URL == "" {
			opts.URL = gatewayURL(cfg)
		}
		if needsSecret {
			opts.Secret = cfg.Auth.JWTSecret
		}
	}

	if opts.Token == "" && opts.GuildID == "" {
		return client.Options{}, fmt.Errorf("--guild is required when no --token is given")
	}
	return opts, nil
}

func gatewayURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == config.DefaultHost {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port)) + cfg.Gateway.Path
}
