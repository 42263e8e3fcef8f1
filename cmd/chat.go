package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawrelay/internal/channels/webchat"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr    string
		message string
		chatID  string
		sender  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat through a running gateway's web chat channel",
		Long: `Connects to the gateway WebSocket and talks to the agent through the
webchat channel. Replies stream to stdout.

Examples:
  clawrelay chat                         # Interactive REPL
  clawrelay chat -m "hello"              # One-shot message
  clawrelay chat --chat-id support-1     # Join a named chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr == "" {
				host := cfg.Gateway.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
			}

			c, err := dialChat("ws://"+addr+"/ws", cfg.Gateway.Token, sender)
			if err != nil {
				return err
			}
			defer c.Close()
			c.chatID = chatID
			c.timeout = timeout

			if message != "" {
				_, err := c.Send(message, os.Stdout)
				fmt.Println()
				return err
			}
			return c.repl(os.Stdin)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gateway host:port (default: from config)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVar(&chatID, "chat-id", "", "chat to join (default: this connection)")
	cmd.Flags().StringVar(&sender, "sender", "cli", "sender id presented to admission")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for a reply")
	return cmd
}

// chatClient is a gateway WebSocket client speaking chat.send.
type chatClient struct {
	conn    *websocket.Conn
	chatID  string
	timeout time.Duration
}

// dialChat connects and authenticates.
func dialChat(url, token, sender string) (*chatClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	c := &chatClient{conn: conn, timeout: 5 * time.Minute}
	if err := c.connect(token, sender); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *chatClient) Close() error { return c.conn.Close() }

func (c *chatClient) request(method string, params interface{}) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()[:8]
	err = c.conn.WriteJSON(protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	})
	if err != nil {
		return "", fmt.Errorf("send %s: %w", method, err)
	}
	return id, nil
}

func (c *chatClient) connect(token, sender string) error {
	id, err := c.request(protocol.MethodConnect, protocol.ConnectParams{
		Token:       token,
		ClientName:  "clawrelay-cli",
		SenderID:    sender,
		MinProtocol: protocol.ProtocolVersion,
	})
	if err != nil {
		return err
	}
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		var resp protocol.ResponseFrame
		if err := c.conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("read connect response: %w", err)
		}
		if resp.Type != protocol.FrameTypeResponse || resp.ID != id {
			continue
		}
		if !resp.OK {
			return fmt.Errorf("connect rejected: %s", errMessage(resp))
		}
		return nil
	}
}

func errMessage(resp protocol.ResponseFrame) string {
	if resp.Error != nil {
		return resp.Error.Message
	}
	return "unknown error"
}

// Send submits message and streams the reply to out. It returns the final
// reply text once the chat's done event arrives.
func (c *chatClient) Send(message string, out io.Writer) (string, error) {
	id, err := c.request(protocol.MethodChatSend, protocol.ChatSendParams{
		Message: message,
		ChatID:  c.chatID,
	})
	if err != nil {
		return "", err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var printed string
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
		frameType, _ := protocol.ParseFrameType(data)

		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if json.Unmarshal(data, &resp) != nil || resp.ID != id {
				continue
			}
			if !resp.OK {
				return "", fmt.Errorf("chat.send: %s", errMessage(resp))
			}
			var ack struct {
				ChatID   string `json:"chatId"`
				Admitted bool   `json:"admitted"`
				Reason   string `json:"reason"`
			}
			raw, _ := json.Marshal(resp.Payload)
			json.Unmarshal(raw, &ack)
			if !ack.Admitted {
				return "", fmt.Errorf("message not admitted: %s", ack.Reason)
			}
			c.chatID = ack.ChatID

		case protocol.FrameTypeEvent:
			var evt struct {
				Event   string              `json:"event"`
				Payload webchat.ChatPayload `json:"payload"`
			}
			if json.Unmarshal(data, &evt) != nil {
				continue
			}
			switch evt.Event {
			case protocol.EventShutdown:
				return "", errors.New("gateway is shutting down")
			case protocol.EventChat:
			default:
				continue
			}
			p := evt.Payload
			if c.chatID != "" && p.ChatID != c.chatID {
				continue
			}
			switch p.Type {
			case protocol.ChatEventChunk:
				// Chunks carry the full text so far.
				if strings.HasPrefix(p.Content, printed) {
					fmt.Fprint(out, p.Content[len(printed):])
					printed = p.Content
				}
			case protocol.ChatEventMessage:
				fmt.Fprint(out, p.Content)
				return p.Content, nil
			case protocol.ChatEventDone:
				if strings.HasPrefix(p.Content, printed) {
					fmt.Fprint(out, p.Content[len(printed):])
				}
				return p.Content, nil
			}
		}
	}
}

func (c *chatClient) repl(in io.Reader) error {
	fmt.Fprintln(os.Stderr, "clawrelay chat. Type \"exit\" to quit.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if _, err := c.Send(input, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "\nError: %v\n\n", err)
			continue
		}
		fmt.Print("\n\n")
	}
}
