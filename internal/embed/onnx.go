package embed

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/safesite-data/sitewatch/internal/monitoring"
)

const (
	defaultPoolSize       = 2
	defaultAcquireTimeout = 2 * time.Second

	// Re-ID input geometry: person crops are tall and narrow.
	inputWidth  = 64
	inputHeight = 128
)

// ONNXConfig configures the ONNX appearance embedder.
type ONNXConfig struct {
	ModelPath string
	// LibraryPath points at the onnxruntime shared library.
	LibraryPath string
	// FeatureDim is the length of the model's output vector.
	FeatureDim int
	// PoolSize bounds concurrent inference sessions.
	PoolSize int
	// AcquireTimeout bounds the wait for a free session.
	AcquireTimeout time.Duration
}

type modelSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (m *modelSession) destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}

// ONNXEmbedder runs a re-identification model through onnxruntime. Sessions
// live in a fixed-size pool so concurrent sessions share a bounded amount
// of inference state instead of spawning unboundedly.
type ONNXEmbedder struct {
	cfg      ONNXConfig
	sessions chan *modelSession

	mu     sync.Mutex
	closed bool
}

// NewONNXEmbedder initializes the onnxruntime environment and fills the
// session pool. Call Close when done.
func NewONNXEmbedder(cfg ONNXConfig) (*ONNXEmbedder, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.FeatureDim <= 0 {
		return nil, fmt.Errorf("embed: feature dimension must be positive, got %d", cfg.FeatureDim)
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("embed: initialize onnxruntime: %w", err)
		}
	}

	e := &ONNXEmbedder{
		cfg:      cfg,
		sessions: make(chan *modelSession, cfg.PoolSize),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		s, err := e.initSession()
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("embed: session %d: %w", i, err)
		}
		e.sessions <- s
	}
	monitoring.Logf("embedder ready: model=%s pool=%d dim=%d", cfg.ModelPath, cfg.PoolSize, cfg.FeatureDim)
	return e, nil
}

func (e *ONNXEmbedder) initSession() (*modelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()
	options.SetIntraOpNumThreads(runtime.NumCPU())

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, inputHeight, inputWidth))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(e.cfg.FeatureDim)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		e.cfg.ModelPath,
		[]string{"images"},
		[]string{"features"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &modelSession{session: session, input: input, output: output}, nil
}

func (e *ONNXEmbedder) acquire(ctx context.Context) (*modelSession, error) {
	select {
	case s := <-e.sessions:
		return s, nil
	case <-time.After(e.cfg.AcquireTimeout):
		return nil, fmt.Errorf("embed: timeout waiting for inference session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *ONNXEmbedder) release(s *modelSession) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		s.destroy()
		return
	}
	e.sessions <- s
}

// Embed resizes the crop to the model's input geometry, runs inference and
// returns the L2-normalized feature vector.
func (e *ONNXEmbedder) Embed(crop image.Image) ([]float32, error) {
	s, err := e.acquire(context.Background())
	if err != nil {
		return nil, err
	}
	defer e.release(s)

	resized := imaging.Resize(crop, inputWidth, inputHeight, imaging.Linear)
	fillCHW(resized, s.input.GetData())

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("embed: inference: %w", err)
	}

	feature := make([]float32, e.cfg.FeatureDim)
	copy(feature, s.output.GetData())
	return normalize(feature), nil
}

// fillCHW writes the image into the tensor buffer in channel-major order
// with values scaled to [0,1].
func fillCHW(img image.Image, dst []float32) {
	channelSize := inputWidth * inputHeight
	for y := 0; y < inputHeight; y++ {
		offset := y * inputWidth
		for x := 0; x < inputWidth; x++ {
			i := offset + x
			r, g, b, _ := img.At(x, y).RGBA()
			dst[i] = float32(r>>8) / 255.0
			dst[channelSize+i] = float32(g>>8) / 255.0
			dst[channelSize*2+i] = float32(b>>8) / 255.0
		}
	}
}

// Close drains and destroys the session pool.
func (e *ONNXEmbedder) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.sessions)
	for s := range e.sessions {
		s.destroy()
	}
}
