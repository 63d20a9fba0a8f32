package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig mirrors log lines into a chat channel.
type ChatConfig struct {
	Enabled    bool
	ChannelID  string
	MinLevel   string
	RatePerSec int
}

// Sender delivers a text line to a chat channel. Gateways implement it.
type Sender interface {
	SendText(ctx context.Context, channelID, text string) (string, error)
}

const (
	defaultLogPath = "./modbot.log"
	timeFormat     = "2006-01-02T15:04:05.000Z07:00"
)

// Service owns the sinks and rebuilds the root logger on Apply.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Pointer[zerolog.Logger]

	// file stays open across Apply calls while the path is unchanged.
	file     *os.File
	fileW    io.Writer
	filePath string

	chat *chatSink
}

// New applies cfg and returns the service with its root Logger.
// sender may be nil; chat lines are dropped until SetSender is called.
func New(cfg Config, sender Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, Logger{src: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// SetSender swaps the chat sender, e.g. once the gateway exists.
func (s *Service) SetSender(sender Sender) { s.chat.setSender(sender) }

// Apply swaps sinks and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	sinks := make([]io.Writer, 0, 3)
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if w := s.fileSinkLocked(cfg.File); w != nil {
		sinks = append(sinks, w)
	}
	if cfg.Chat.Enabled {
		if strings.TrimSpace(cfg.Chat.ChannelID) == "" {
			fmt.Fprintln(os.Stderr, "logx: chat logging enabled without a channel id")
		}
		s.chat.configure(cfg.Chat)
		s.chat.start()
		sinks = append(sinks, s.chat)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) fileSinkLocked(fc FileConfig) io.Writer {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogPath
	}
	if fc.Enabled && s.file != nil && s.filePath == path {
		return s.fileW
	}
	s.closeFileLocked()
	if !fc.Enabled {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	s.file, s.filePath, s.fileW = f, path, zerolog.SyncWriter(f)
	return s.fileW
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.fileW, s.filePath = nil, nil, ""
}

// Close stops the chat worker and closes the log file.
func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	s.closeFileLocked()
	s.mu.Unlock()
	return nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
}
