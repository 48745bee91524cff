package describer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"

	"github.com/kerixyz/video-streamlit/internal/models"
)

// OllamaConfig configures the local vision model backend.
type OllamaConfig struct {
	BaseURL      string
	Port         int
	Model        string
	SystemPrompt string
	TempDir      string
	MaxEdge      int
}

const defaultSystemPrompt = "You are a visual analysis assistant specialized in detailed image descriptions. If there is a person in the image describe what they are doing in step by step format."

// Ollama captions one frame per call with a local vision model. It is the
// per-frame variant and rejects calls carrying more than one frame.
type Ollama struct {
	agent   *agent.DefaultAgent
	tempDir string
	maxEdge int
	logger  *slog.Logger
}

// NewOllama checks that the Ollama server answers and sets up the agent.
func NewOllama(ctx context.Context, cfg OllamaConfig, logger *slog.Logger) (*Ollama, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 11434
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2-vision:11b"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxEdge == 0 {
		cfg.MaxEdge = MaxEdge
	}

	if err := checkOllama(ctx, fmt.Sprintf("%s:%d", cfg.BaseURL, cfg.Port)); err != nil {
		return nil, err
	}

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  logger,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	})
	provider.UseModel(ctx, &types.Model{ID: cfg.Model})

	a := agent.NewAgent(&agent.NewAgentConfig{
		Provider:     provider,
		Logger:       logger,
		SystemPrompt: cfg.SystemPrompt,
	})

	return &Ollama{
		agent:   a,
		tempDir: cfg.TempDir,
		maxEdge: cfg.MaxEdge,
		logger:  logger.With("describer", "ollama", "model", cfg.Model),
	}, nil
}

func checkOllama(ctx context.Context, base string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ollama not reachable at %s: %v", ErrUnavailable, base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ollama returned %s", ErrUnavailable, resp.Status)
	}
	return nil
}

// MaxFrames is 1: the agent attaches a single image per request.
func (o *Ollama) MaxFrames() int { return 1 }

func (o *Ollama) Describe(ctx context.Context, frames []models.Frame, prompt string) (string, error) {
	if len(frames) > o.MaxFrames() {
		return "", fmt.Errorf("%w: ollama describes one frame per call, got %d", ErrRejected, len(frames))
	}

	if len(frames) == 0 {
		response := o.agent.Run(ctx, agent.WithInput(prompt))
		if response.Err != nil {
			return "", runError(ctx, response.Err)
		}
		if len(response.Messages) == 0 {
			return "", errNoMessages
		}
		return response.Messages[len(response.Messages)-1].Content, nil
	}

	path, err := o.writeFrame(frames[0])
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	response := o.agent.Run(ctx, agent.WithInput(prompt), agent.WithImagePath(path))
	if response.Err != nil {
		return "", runError(ctx, response.Err)
	}
	if len(response.Messages) == 0 {
		return "", errNoMessages
	}

	// the last message is the model's reply, not the prompt
	content := response.Messages[len(response.Messages)-1].Content
	o.logger.Debug("raw response content", "frame", frames[0].Index, "content", content)
	return content, nil
}

var errNoMessages = fmt.Errorf("%w: no response messages received from model", ErrUnavailable)

func runError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (o *Ollama) writeFrame(f models.Frame) (string, error) {
	data, err := EncodeJPEG(f, o.maxEdge)
	if err != nil {
		return "", err
	}
	file, err := os.CreateTemp(o.tempDir, fmt.Sprintf("frame_%04d-*.jpg", f.Index))
	if err != nil {
		return "", fmt.Errorf("create frame file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("write frame file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("write frame file: %w", err)
	}
	return file.Name(), nil
}
