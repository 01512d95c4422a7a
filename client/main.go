package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/writely/cosync/presence"
	"github.com/writely/cosync/session"
	"github.com/writely/cosync/transport"
)

var logger = logrus.New()

func main() {
	flags := parseFlags()

	logFile, debugLogFile, err := setupLogger(logger)
	if err != nil {
		os.Exit(1)
	}
	defer closeLogFiles(logFile, debugLogFile)
	logger.SetLevel(logLevel(flags.Debug))

	s := bufio.NewScanner(os.Stdin)

	name := flags.Name
	if name == "" {
		fmt.Printf("%s", color.YellowString("Enter your Name: "))
		s.Scan()
		name = s.Text()
	}

	sess, err := session.Open(context.Background(), session.Config{
		ServerURL:  serverURL(flags),
		DocumentID: flags.Doc,
		Token:      flags.Token,
		UserID:     uuid.NewString(),
		UserName:   name,
		UserEmail:  flags.Email,
		CachePath:  cachePath(flags),
		Logger:     logger,
		OnConnState: func(st transport.State) {
			switch st {
			case transport.StateOpen:
				color.Green("Connected.")
			case transport.StateReconnecting:
				color.Yellow("Connection lost, reconnecting...")
			case transport.StateError:
				color.Red("Connection failed. Edits are kept locally.")
			}
		},
		OnSyncState: func(st session.SyncState) {
			if st == session.SyncLive {
				color.Green("Document is up to date.")
			}
		},
		OnWarning: func(err error) {
			logger.WithError(err).Warn("session warning")
		},
	})
	if err != nil {
		color.Red("Failed to open document, exiting: %s", err)
		os.Exit(1)
	}
	defer sess.Close()

	color.Green("\nWelcome %s!\n", name)
	color.Green("Opened document %q @ %s\n", flags.Doc, flags.Server)
	color.Yellow("Type text to append. Commands: !doc !ins !del !bold !plain !roster !q\n")

	for s.Scan() {
		line := s.Text()
		if !handleLine(sess, line) {
			break
		}
	}
}

// handleLine runs one command from the prompt. Returns false to exit.
func handleLine(sess *session.Session, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "!") {
		end := len([]rune(sess.Content()))
		if err := sess.Insert(end, line); err != nil {
			color.Red("Insert failed: %s", err)
			return true
		}
		sess.SetCursor(end + len([]rune(line)))
		return true
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "!q":
		color.Yellow("Exiting...")
		return false

	case "!doc":
		fmt.Println(sess.Content())

	case "!ins":
		if len(fields) < 3 {
			color.Red("Usage: !ins <index> <text>")
			return true
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			color.Red("Bad index: %s", fields[1])
			return true
		}
		text := strings.Join(fields[2:], " ")
		if err := sess.Insert(index, text); err != nil {
			color.Red("Insert failed: %s", err)
		}

	case "!del":
		start, end, ok := parseRange(fields)
		if !ok {
			return true
		}
		if err := sess.Delete(start, end); err != nil {
			color.Red("Delete failed: %s", err)
		}

	case "!bold":
		start, end, ok := parseRange(fields)
		if !ok {
			return true
		}
		sess.SetSelection(start, end)
		if err := sess.Format(start, end, "bold", true); err != nil {
			color.Red("Format failed: %s", err)
		}

	case "!plain":
		start, end, ok := parseRange(fields)
		if !ok {
			return true
		}
		if err := sess.Format(start, end, "bold", false); err != nil {
			color.Red("Format failed: %s", err)
		}

	case "!roster":
		printRoster(sess.Roster())

	default:
		color.Red("Unknown command: %s", fields[0])
	}
	return true
}

// parseRange reads <start> <end> arguments for range commands.
func parseRange(fields []string) (int, int, bool) {
	if len(fields) != 3 {
		color.Red("Usage: %s <start> <end>", fields[0])
		return 0, 0, false
	}
	start, err := strconv.Atoi(fields[1])
	if err != nil {
		color.Red("Bad start: %s", fields[1])
		return 0, 0, false
	}
	end, err := strconv.Atoi(fields[2])
	if err != nil {
		color.Red("Bad end: %s", fields[2])
		return 0, 0, false
	}
	return start, end, true
}

func printRoster(roster []presence.Record) {
	if len(roster) == 0 {
		color.Yellow("Nobody else is here.")
		return
	}
	for _, rec := range roster {
		label := rec.DisplayName
		if label == "" {
			label = rec.UserID
		}
		status := ""
		if rec.IsTyping {
			status = " (typing)"
		}
		if rec.Cursor != nil {
			status += fmt.Sprintf(" @ %d", rec.Cursor.Index)
		}
		fmt.Printf("%s%s\n", colorize(rec.Color, label), status)
	}
}

// colorize renders a roster name in its presence color when it is one the
// terminal knows.
func colorize(name, text string) string {
	switch name {
	case "red":
		return color.RedString(text)
	case "green":
		return color.GreenString(text)
	case "yellow":
		return color.YellowString(text)
	case "blue":
		return color.BlueString(text)
	case "magenta":
		return color.MagentaString(text)
	case "cyan":
		return color.CyanString(text)
	}
	return text
}
