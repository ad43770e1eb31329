package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/chatengine/pkg/gateway"
)

const consoleHelp = `Commands:
  /new [title]     start a new session
  /join <id>       join an existing session
  /agent <id>      use another agent for the next messages
  /stop            stop the running generation
  /clear           clear the session memory
  /leave           leave the session
  /quit            exit
Anything else is sent as a message.`

func newConsoleCmd() *cobra.Command {
	var url, token string

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive chat client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				return errors.New("--token is required (see chatd token)")
			}
			return runConsole(cmd.Context(), cmd.OutOrStdout(), url, token)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "gateway URL")
	cmd.Flags().StringVar(&token, "token", "", "client token")
	return cmd
}

func runConsole(ctx context.Context, out io.Writer, url, token string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	dialCancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer conn.CloseNow()

	go printEvents(ctx, cancel, out, conn)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Fprintln(out, consoleHelp)
	var agentID string
	for {
		input, err := line.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		req, quit := parseConsoleInput(input, &agentID)
		if quit {
			break
		}
		if req == nil {
			fmt.Fprintln(out, consoleHelp)
			continue
		}
		if err := wsjson.Write(ctx, conn, req); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

// parseConsoleInput turns a console line into a request. It returns nil
// for lines that only change local state or are not understood.
func parseConsoleInput(input string, agentID *string) (*gateway.Inbound, bool) {
	req := &gateway.Inbound{RequestID: uuid.New().String()[:8]}
	if !strings.HasPrefix(input, "/") {
		req.Type = gateway.TypeMessage
		req.Text = input
		req.AgentID = *agentID
		return req, false
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return nil, true
	case "/new":
		req.Type = gateway.TypeCreate
		req.Title = arg
		req.AgentID = *agentID
	case "/join":
		if arg == "" {
			return nil, false
		}
		req.Type = gateway.TypeJoin
		req.SessionID = arg
	case "/agent":
		*agentID = arg
		return nil, false
	case "/stop":
		req.Type = gateway.TypeStop
	case "/clear":
		req.Type = gateway.TypeClearMemory
	case "/leave":
		req.Type = gateway.TypeLeave
	default:
		return nil, false
	}
	return req, false
}

func printEvents(ctx context.Context, cancel context.CancelFunc, out io.Writer, conn *websocket.Conn) {
	defer cancel()
	for {
		var ev gateway.Outbound
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(out, "\n[disconnected: %v]\n", err)
			}
			return
		}
		fmt.Fprint(out, formatEvent(ev))
	}
}

func formatEvent(ev gateway.Outbound) string {
	switch ev.Type {
	case gateway.TypeChunk:
		return ev.Text
	case gateway.TypeStreamEnd:
		return "\n"
	case gateway.TypeStreamError:
		return fmt.Sprintf("\n[generation failed: %s (%s)]\n", ev.Error, ev.Code)
	case gateway.TypeToolStart:
		return fmt.Sprintf("\n[tool %s running]\n", toolName(ev))
	case gateway.TypeToolResult, gateway.TypeToolError:
		return fmt.Sprintf("[tool %s done]\n", toolName(ev))
	case gateway.TypeConnected:
		return fmt.Sprintf("[connected as %s]\n", ev.UserID)
	case gateway.TypeRoomCreated, gateway.TypeRoomJoined:
		return fmt.Sprintf("[session %s, agent %q]\n", ev.SessionID, ev.AgentID)
	case gateway.TypeUserTyping:
		if ev.Typing {
			return fmt.Sprintf("[%s is typing]\n", ev.UserID)
		}
		return ""
	case gateway.TypeError:
		return fmt.Sprintf("[error: %s (%s)]\n", ev.Error, ev.Code)
	case gateway.TypeAccepted:
		return ""
	default:
		return fmt.Sprintf("[%s %s]\n", ev.Type, ev.SessionID)
	}
}

func toolName(ev gateway.Outbound) string {
	if ev.Tool == nil {
		return "?"
	}
	return ev.Tool.Name
}
