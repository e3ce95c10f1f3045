package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/chatkeeper/internal/session"
	"github.com/chatkeeper/pkg/models"
)

const chatHelp = `Commands:
  /image <prompt>   generate an image
  /new              start a new conversation
  /list             list conversations (newest first)
  /select <n>       switch to conversation n from /list
  /delete <n>       delete conversation n from /list
  /history          print the active conversation
  /quit             exit
Anything else is sent as a text prompt.`

// ChatCommand returns the CLI command for the terminal chat client
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Chat from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "account",
				Aliases: []string{"a"},
				Usage:   "Account to chat as (defaults to general.default_account)",
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			account := c.String("account")
			if account == "" {
				account = rt.cfg.General.DefaultAccount
			}
			sess, err := rt.manager.Open(c.Context, account)
			if err != nil {
				return err
			}
			defer sess.Close()
			sub := sess.ListConversations()
			defer sub.Close()

			fmt.Printf("chatkeeper: chatting as %s via %s\n", account, strings.Join(rt.chain.Names(), " -> "))
			fmt.Println(`Type /help for commands.`)
			return runREPL(c.Context, sess, os.Stdin, os.Stdout)
		},
	}
}

// runREPL reads lines from in and forwards each one to the session as an intent
func runREPL(ctx context.Context, sess *session.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		var err error
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
		case "/new":
			var id string
			if id, err = sess.CreateConversation(ctx); err == nil {
				fmt.Fprintf(out, "Started %s\n", conversationName(sess, id))
			}
		case "/list":
			printConversations(out, sess.View())
		case "/select", "/delete":
			var id string
			if id, err = pickConversation(sess.View(), arg); err != nil {
				break
			}
			if cmd == "/select" {
				err = sess.SelectConversation(ctx, id)
			} else {
				err = sess.DeleteConversation(ctx, id)
			}
		case "/history":
			for _, m := range sess.View().Messages {
				printMessage(out, m)
			}
		case "/image":
			var res *session.Submission
			if res, err = sess.SubmitImagePrompt(ctx, arg); err == nil {
				printMessage(out, *res.Reply)
			}
		default:
			var res *session.Submission
			if res, err = sess.SubmitPrompt(ctx, line); err == nil {
				printMessage(out, *res.Reply)
			}
		}
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}

func printConversations(out io.Writer, v session.View) {
	if len(v.Conversations) == 0 {
		fmt.Fprintln(out, "No conversations yet")
		return
	}
	for i, conv := range v.Conversations {
		marker := " "
		if conv.ID == v.ActiveConversationID {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %d. %s (%s)\n", marker, i+1, conv.Name, conv.CreatedAt.Format("2006-01-02 15:04"))
	}
}

// pickConversation resolves a 1-based /list index to a conversation id
func pickConversation(v session.View, arg string) (string, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(v.Conversations) {
		return "", fmt.Errorf("pick a conversation number between 1 and %d", len(v.Conversations))
	}
	return v.Conversations[n-1].ID, nil
}

func conversationName(sess *session.Session, id string) string {
	for _, conv := range sess.View().Conversations {
		if conv.ID == id {
			return conv.Name
		}
	}
	return "new conversation"
}

func printMessage(out io.Writer, m models.Message) {
	switch {
	case m.Image != nil && m.Image.Kind == models.ImageURL:
		fmt.Fprintf(out, "[%s] image: %s\n", m.Role, m.Image.Data)
	case m.Image != nil:
		fmt.Fprintf(out, "[%s] image: inline (%d bytes base64)\n", m.Role, len(m.Image.Data))
	default:
		fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
	}
}
