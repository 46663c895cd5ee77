package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// Mount ids the agent registers when the config names none.
const (
	MicMount     = "mic"
	SpeakerMount = "speaker"
)

const meterWidth = 10

const help = `commands:
  /mute            stop sending microphone audio
  /unmute          resume sending microphone audio
  /send <text>     send a chat message on the data channel
  /input <text>    post text to the input hook
  /level           show microphone and speaker levels
  /quit            end the session`

type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	client  *voicechat.Client
	surface *voicechat.Surface
	cfg     voicechat.Config

	unsub     []func()
	done      chan struct{}
	closeOnce sync.Once
}

func NewCLIAgent(logger shared.LoggerAdapter, cfg voicechat.Config, printer *shared.Printer, opts ...voicechat.Option) (*CLIAgent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	if cfg.Visualizer.Input == "" {
		cfg.Visualizer.Input = MicMount
	}
	if cfg.Visualizer.Output == "" {
		cfg.Visualizer.Output = SpeakerMount
	}
	a := &CLIAgent{
		logger:  logger.With(zap.String("agent", "cli")),
		printer: printer,
		surface: voicechat.NewSurface(voicechat.Size{Width: meterWidth * 4, Height: 1}),
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	mounts := voicechat.Mounts{
		cfg.Visualizer.Input:  a.surface,
		cfg.Visualizer.Output: a.surface,
	}
	client, err := voicechat.NewClient(a.logger, cfg, append(opts, voicechat.WithMounts(mounts))...)
	if err != nil {
		return nil, err
	}
	a.client = client
	a.listen(client.Bus())
	return a, nil
}

func (a *CLIAgent) Client() *voicechat.Client {
	return a.client
}

// Done closes when the session ends, either through Close or because the
// connection was lost.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Spawn prints the session config and connects.
func (a *CLIAgent) Spawn(ctx context.Context) (<-chan struct{}, error) {
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	a.println("📋 Session Config\n", 0)
	out, err := yaml.Marshal(a.cfg.Metadata)
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return nil, err
	}
	a.println(strings.TrimRight(string(out), "\n"), 1)

	a.println("\n🎤 Connecting...", 0)
	if err := a.client.Connect(ctx); err != nil {
		var media *shared.MediaAccessError
		if errors.As(err, &media) {
			a.println("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.\n", 0)
		} else {
			a.println(fmt.Sprintf("❌ Unable to connect: %v\n", err), 0)
		}
		return nil, err
	}
	a.println("✅ Connected. Type /help for commands.\n", 0)
	return a.done, nil
}

func (a *CLIAgent) listen(bus *voicechat.Bus) {
	a.unsub = append(a.unsub,
		voicechat.On(bus, func(e voicechat.SubtitleEvent) {
			switch e.Subtitle.Kind {
			case voicechat.SubtitleLiveInput:
				if err := a.printer.Overwrite("🗣  "+e.Subtitle.Text, 1); err != nil {
					a.logger.Error("printing live input", err)
				}
			case voicechat.SubtitleAIResponse:
				a.println("🤖 "+e.Subtitle.Text, 1)
			}
		}),
		voicechat.On(bus, func(e voicechat.MessageEvent) {
			a.logger.Debug("data channel message", zap.String("type", e.Message.Type))
		}),
		voicechat.On(bus, func(e voicechat.ErrorEvent) {
			a.println("⚠️  "+e.Message, 0)
		}),
		voicechat.On(bus, func(e voicechat.ConnectionStateChangeEvent) {
			if e.State == voicechat.StateFailed {
				a.println("❌ Connection lost.", 0)
				a.finish()
			}
		}),
	)
}

// HandleCommand runs one input line and reports whether the user asked to
// quit.
func (a *CLIAgent) HandleCommand(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/mute":
		a.client.Mute()
		a.println("🔇 Microphone muted.", 0)
	case "/unmute":
		a.client.Unmute()
		a.println("🎙  Microphone live.", 0)
	case "/send":
		if arg == "" {
			a.println("usage: /send <text>", 0)
			return false
		}
		if err := a.client.Send(voicechat.DataMessage{Type: "chat", Data: arg}); err != nil {
			a.println("❌ "+err.Error(), 0)
		}
	case "/input":
		if arg == "" {
			a.println("usage: /input <text>", 0)
			return false
		}
		if err := a.client.PostInput(ctx, map[string]any{"text": arg}); err != nil {
			a.println("❌ "+err.Error(), 0)
		}
	case "/level":
		a.println(fmt.Sprintf("🎤 %s  🔈 %s", a.meter("input-visualizer"), a.meter("output-visualizer")), 0)
	case "/help":
		a.println(help, 0)
	default:
		a.println("unknown command "+cmd+", try /help", 0)
	}
	return false
}

// Run reads commands from r until /quit, EOF, ctx ends or the session ends.
func (a *CLIAgent) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-a.done:
				return
			}
		}
		errc <- scanner.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if a.HandleCommand(ctx, line) {
				return a.Close()
			}
		}
	}
}

func (a *CLIAgent) meter(name string) string {
	var level float64
	if c, ok := a.surface.Canvas(name); ok {
		frame, _ := c.Last()
		level = frame.Amplitude
	}
	n := int(min(max(level, 0), 1)*meterWidth + 0.5)
	return strings.Repeat("█", n) + strings.Repeat("·", meterWidth-n)
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func (a *CLIAgent) finish() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *CLIAgent) Close() error {
	for _, u := range a.unsub {
		u()
	}
	a.unsub = nil
	err := a.client.Disconnect()
	a.finish()
	a.logger.Info("CLI agent closed")
	return err
}
