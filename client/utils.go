package main

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
)

// Flags represents the command-line flags that are passed to cosync's client.
type Flags struct {
	Server  string
	Secure  bool
	Doc     string
	Name    string
	Email   string
	Token   string
	NoCache bool
	Debug   bool
}

// parseFlags parses command-line flags.
func parseFlags() Flags {
	serverAddr := flag.String("server", "localhost:9000", "The network address of the server")
	useSecureConn := flag.Bool("secure", false, "Enable a secure WebSocket connection (wss://)")
	doc := flag.String("doc", "default", "The document to open")
	name := flag.String("name", "", "Your display name")
	email := flag.String("email", "", "Your email, used for the presence roster")
	token := flag.String("token", "", "Auth token for the server")
	noCache := flag.Bool("no-cache", false, "Disable the local offline cache")
	enableDebug := flag.Bool("debug", false, "Enable debugging mode to show more verbose logs")

	flag.Parse()

	return Flags{
		Server:  *serverAddr,
		Secure:  *useSecureConn,
		Doc:     *doc,
		Name:    *name,
		Email:   *email,
		Token:   *token,
		NoCache: *noCache,
		Debug:   *enableDebug,
	}
}

// serverURL builds the websocket base URL from the flags.
func serverURL(flags Flags) string {
	scheme := "ws"
	if flags.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: flags.Server}
	return u.String()
}

// ensureDirExists ensures that a directory exists, and if it isn't present, it tries to create a new one.
func ensureDirExists(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}

	err := os.Mkdir(path, 0700)
	if err != nil {
		return false, err
	}

	return true, nil
}

// cosyncDir returns the per-user state directory, falling back to the
// working directory when no home directory is available.
func cosyncDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	dir := filepath.Join(homeDir, ".cosync")
	if ok, err := ensureDirExists(dir); err != nil || !ok {
		return "."
	}
	return dir
}

// cachePath returns the sqlite cache file, or empty when caching is off.
func cachePath(flags Flags) string {
	if flags.NoCache {
		return ""
	}
	return filepath.Join(cosyncDir(), "cache.db")
}

// logLevel maps the debug flag to the logger's verbosity.
func logLevel(debug bool) logrus.Level {
	if debug {
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

// setupLogger initializes the client's logger (logrus). Terminal output
// stays clean; everything goes to log files in the state directory.
func setupLogger(logger *logrus.Logger) (*os.File, *os.File, error) {
	dir := cosyncDir()
	logPath := filepath.Join(dir, "cosync.log")
	debugLogPath := filepath.Join(dir, "cosync-debug.log")

	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // skipcq: GSC-G302
	if err != nil {
		fmt.Printf("Logger error, exiting: %s", err)
		return nil, nil, err
	}

	debugLogFile, err := os.OpenFile(debugLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // skipcq: GSC-G302
	if err != nil {
		fmt.Printf("Logger error, exiting: %s", err)
		return nil, nil, err
	}

	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.AddHook(&writer.Hook{
		Writer: logFile,
		LogLevels: []logrus.Level{
			logrus.WarnLevel,
			logrus.ErrorLevel,
			logrus.FatalLevel,
			logrus.PanicLevel,
		},
	})
	logger.AddHook(&writer.Hook{
		Writer: debugLogFile,
		LogLevels: []logrus.Level{
			logrus.TraceLevel,
			logrus.DebugLevel,
			logrus.InfoLevel,
		},
	})

	return logFile, debugLogFile, nil
}

// closeLogFiles closes the log files created by the client.
// closeLogFiles is meant to be used for defer calls.
func closeLogFiles(logFile, debugLogFile *os.File) {
	if err := logFile.Close(); err != nil {
		fmt.Printf("Failed to close log file: %s", err)
		return
	}

	if err := debugLogFile.Close(); err != nil {
		fmt.Printf("Failed to close debug log file: %s", err)
		return
	}
}
