// Command client streams a WAV file to a running server as one spoken
// turn and saves the agent's reply audio.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/duplex/internal/api"
	"github.com/satriahrh/duplex/internal/audio"
)

const frameDuration = 20 * time.Millisecond

type options struct {
	addr     string
	file     string
	out      string
	userID   string
	token    string
	apiKey   string
	auth     bool
	rate     int
	waitTurn time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "localhost:8080", "server host:port")
	flag.StringVar(&opts.file, "file", "", "mono 16-bit WAV to send (a tone when empty)")
	flag.StringVar(&opts.out, "out", "reply.wav", "where to save the agent audio")
	flag.StringVar(&opts.userID, "user", "cli", "user id")
	flag.StringVar(&opts.token, "token", "", "bearer token")
	flag.StringVar(&opts.apiKey, "api-key", "", "X-API-Key for token issuance")
	flag.BoolVar(&opts.auth, "auth", false, "request a token before connecting")
	flag.IntVar(&opts.rate, "rate", 16000, "sample rate of the generated tone")
	flag.DurationVar(&opts.waitTurn, "wait", 30*time.Second, "how long to wait for turn_complete")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if err := run(opts, logger); err != nil {
		logger.Fatal("Client failed", zap.Error(err))
	}
}

func run(opts options, logger *zap.Logger) error {
	pcm, rate, err := loadAudio(opts)
	if err != nil {
		return err
	}

	if opts.auth && opts.token == "" {
		opts.token, err = requestToken(opts)
		if err != nil {
			return err
		}
		logger.Info("Obtained token", zap.String("userID", opts.userID))
	}

	u := url.URL{Scheme: "ws", Host: opts.addr, Path: "/ws"}
	headers := http.Header{}
	if opts.token != "" {
		headers.Add("Authorization", "Bearer "+opts.token)
	} else {
		u.RawQuery = url.Values{"user_id": {opts.userID}}.Encode()
	}

	logger.Info("Connecting", zap.String("url", u.String()))
	c, _, err := websocket.DefaultDialer.Dial(u.String(), headers)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer c.Close()

	r := &receiver{done: make(chan struct{}), logger: logger}
	go r.read(c)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	if err := stream(c, pcm, rate, interrupt); err != nil {
		return err
	}
	logger.Info("Finished sending audio", zap.Duration("audio", audio.FrameDuration(len(pcm)/2, rate)))

	select {
	case <-r.done:
	case <-interrupt:
		logger.Info("Interrupted")
	case <-time.After(opts.waitTurn):
		logger.Warn("Timed out waiting for the turn to complete")
	}

	// Cleanly close the connection by sending a close message
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	return r.save(opts.out, rate)
}

func loadAudio(opts options) ([]byte, int, error) {
	if opts.file == "" {
		samples := make([]float32, opts.rate*3/2)
		for i := range samples {
			samples[i] = float32(0.5 * math.Sin(2*math.Pi*300*float64(i)/float64(opts.rate)))
		}
		return audio.FloatToPCM16(samples), opts.rate, nil
	}

	data, err := os.ReadFile(opts.file)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", opts.file, err)
	}
	return audio.DecodeWAV(data)
}

// stream sends pcm in real time followed by trailing silence so the
// server closes the utterance.
func stream(c *websocket.Conn, pcm []byte, rate int, interrupt <-chan os.Signal) error {
	frameBytes := 2 * rate * int(frameDuration/time.Millisecond) / 1000
	silence := make([]byte, 2*rate*3/2)
	payload := append(append([]byte(nil), pcm...), silence...)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for start := 0; start < len(payload); start += frameBytes {
		end := min(start+frameBytes, len(payload))
		if err := c.WriteMessage(websocket.BinaryMessage, payload[start:end]); err != nil {
			return fmt.Errorf("failed to send audio frame: %w", err)
		}
		select {
		case <-ticker.C:
		case <-interrupt:
			return fmt.Errorf("interrupted while streaming")
		}
	}
	return nil
}

func requestToken(opts options) (string, error) {
	body, err := sonic.Marshal(api.TokenRequest{UserID: opts.userID, Role: "user"})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, "http://"+opts.addr+"/api/v1/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.apiKey != "" {
		req.Header.Set("X-API-Key", opts.apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed: %s", string(data))
	}

	var tr api.TokenResponse
	if err := sonic.Unmarshal(data, &tr); err != nil {
		return "", err
	}
	return tr.Token, nil
}

// receiver logs server events and collects reply audio
type receiver struct {
	mu     sync.Mutex
	reply  []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (r *receiver) read(c *websocket.Conn) {
	defer r.finish()
	for {
		kind, data, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.logger.Info("Connection closed", zap.Error(err))
			}
			return
		}

		if kind == websocket.BinaryMessage {
			r.mu.Lock()
			r.reply = append(r.reply, data...)
			r.mu.Unlock()
			continue
		}

		var msg map[string]any
		if err := sonic.Unmarshal(data, &msg); err != nil {
			r.logger.Warn("Undecodable message", zap.ByteString("data", data))
			continue
		}
		r.logger.Info("Received", zap.Any("type", msg["type"]), zap.Any("message", msg))
		if msg["type"] == "turn_complete" {
			r.finish()
		}
	}
}

func (r *receiver) finish() {
	r.once.Do(func() { close(r.done) })
}

func (r *receiver) save(path string, rate int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.reply) == 0 {
		r.logger.Warn("No reply audio received")
		return nil
	}
	wav, err := audio.EncodeWAV(audio.PCM16ToFloat(r.reply), rate)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	r.logger.Info("Saved reply audio", zap.String("path", path), zap.Int("bytes", len(r.reply)))
	return nil
}
