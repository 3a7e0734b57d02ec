// Package integration runs the seqsync binary against generated origin
// playlists.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grafov/m3u8"
)

// Origin serves source playlists for seqsync to import.
type Origin struct {
	mu        sync.RWMutex
	playlists map[string]string
	srv       *httptest.Server
}

// NewOrigin starts an origin server that is closed with the test.
func NewOrigin(t *testing.T) *Origin {
	t.Helper()

	o := &Origin{playlists: make(map[string]string)}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.RLock()
		body, ok := o.playlists[strings.TrimPrefix(r.URL.Path, "/")]
		o.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, body)
	}))
	t.Cleanup(o.srv.Close)
	return o
}

// Add publishes content under name.
func (o *Origin) Add(name, content string) {
	o.mu.Lock()
	o.playlists[name] = content
	o.mu.Unlock()
}

// URL returns the address of the named playlist.
func (o *Origin) URL(name string) string {
	return o.srv.URL + "/" + name
}

// Instance is one running seqsync process.
type Instance struct {
	ID       string
	HTTPPort int
	RaftAddr string

	t      *testing.T
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

// StartInstance runs seqsync with args and waits for its health endpoint.
func StartInstance(t *testing.T, id string, args ...string) *Instance {
	t.Helper()

	binary := findBinary(t)
	port := findAvailablePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	full := append([]string{"serve", "--port", strconv.Itoa(port), "--host", "127.0.0.1"}, args...)
	cmd := exec.CommandContext(ctx, binary, full...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start seqsync %s: %v", id, err)
	}

	inst := &Instance{
		ID:       id,
		HTTPPort: port,
		t:        t,
		cmd:      cmd,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(inst.done)
	}()
	t.Cleanup(inst.Stop)

	waitForServer(t, inst.URL("/health"), 15*time.Second)
	t.Logf("seqsync %s started on port %d", id, port)
	return inst
}

// URL returns the address of path on the instance.
func (i *Instance) URL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", i.HTTPPort, path)
}

// Stop terminates the process. It is safe to call more than once.
func (i *Instance) Stop() {
	i.cancel()
	<-i.done
}

// Get fetches path and fails the test unless the status is 200.
func (i *Instance) Get(path string) string {
	i.t.Helper()

	body, status, err := i.get(path)
	if err != nil {
		i.t.Fatalf("GET %s: %v", path, err)
	}
	if status != http.StatusOK {
		i.t.Fatalf("GET %s: unexpected status code %d: %s", path, status, body)
	}
	return body
}

func (i *Instance) get(path string) (string, int, error) {
	resp, err := http.Get(i.URL(path))
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}
	return string(body), resp.StatusCode, nil
}

// Post sends body as JSON to path and fails the test unless the status is 200.
func (i *Instance) Post(path string, body any) {
	i.t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		i.t.Fatalf("encode request: %v", err)
	}
	resp, err := http.Post(i.URL(path), "application/json", bytes.NewReader(data))
	if err != nil {
		i.t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		i.t.Fatalf("POST %s: unexpected status code %d: %s", path, resp.StatusCode, msg)
	}
}

// BrowserStatus is the subset of the browser view the tests inspect.
type BrowserStatus struct {
	ID             string  `json:"id"`
	Master         string  `json:"master"`
	Items          int     `json:"items"`
	SelectedItem   int     `json:"selected_item"`
	SelectedIndex  string  `json:"selected_index"`
	PlaybackActive bool    `json:"playback_active"`
	RateFps        float64 `json:"rate_fps"`
	Sequences      []struct {
		ID string `json:"id"`
	} `json:"sequences"`
}

// Browser fetches the state of one browser.
func (i *Instance) Browser(id string) BrowserStatus {
	i.t.Helper()

	var st BrowserStatus
	if err := json.Unmarshal([]byte(i.Get("/browsers/"+id)), &st); err != nil {
		i.t.Fatalf("decode browser %s: %v", id, err)
	}
	return st
}

// Health is the subset of the health view the tests inspect.
type Health struct {
	Status   string `json:"status"`
	Browsers int    `json:"browsers"`
	Cluster  *struct {
		NodeID string `json:"node_id"`
		State  string `json:"state"`
		Leader string `json:"leader"`
	} `json:"cluster"`
}

// Health fetches the health endpoint without failing the test.
func (i *Instance) Health() (Health, error) {
	var h Health
	body, status, err := i.get("/health")
	if err != nil {
		return h, err
	}
	if status != http.StatusOK {
		return h, fmt.Errorf("unexpected status code: %d", status)
	}
	err = json.Unmarshal([]byte(body), &h)
	return h, err
}

// MediaPlaylist fetches and decodes the media playlist of one sequence.
func (i *Instance) MediaPlaylist(browserID, seqID string) *ParsedPlaylist {
	i.t.Helper()
	return ParsePlaylist(i.t, i.Get("/browsers/"+browserID+"/sequences/"+seqID+"/playlist.m3u8"))
}

// ParsedPlaylist represents a decoded live media playlist.
type ParsedPlaylist struct {
	MediaSequence  uint64
	TargetDuration float64
	Segments       []PlaylistSegment
	HasEndList     bool
}

// PlaylistSegment represents a segment in a playlist.
type PlaylistSegment struct {
	Duration      float64
	URL           string
	Discontinuity bool
}

// ParsePlaylist decodes a media playlist served by seqsync.
func ParsePlaylist(t *testing.T, content string) *ParsedPlaylist {
	t.Helper()

	p, listType, err := m3u8.DecodeFrom(strings.NewReader(content), true)
	if err != nil {
		t.Fatalf("decode playlist: %v\n%s", err, content)
	}
	media, ok := p.(*m3u8.MediaPlaylist)
	if listType != m3u8.MEDIA || !ok {
		t.Fatalf("expected a media playlist:\n%s", content)
	}

	parsed := &ParsedPlaylist{
		MediaSequence:  media.SeqNo,
		TargetDuration: media.TargetDuration,
		HasEndList:     media.Closed,
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		parsed.Segments = append(parsed.Segments, PlaylistSegment{
			Duration:      seg.Duration,
			URL:           seg.URI,
			Discontinuity: seg.Discontinuity,
		})
	}
	return parsed
}

// WaitForCondition polls until condition holds or timeout elapses.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// createMediaPlaylist builds a VOD media playlist of numSegments segments
// named <prefix>_segNNN.ts.
func createMediaPlaylist(prefix string, numSegments int, duration float64) string {
	var sb strings.Builder

	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&sb, "#EXT-X-TARGETDURATION:%d\n", int(duration+0.999))
	sb.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < numSegments; i++ {
		fmt.Fprintf(&sb, "#EXTINF:%.3f,\n", duration)
		fmt.Fprintf(&sb, "https://example.com/%s_seg%03d.ts\n", prefix, i)
	}
	sb.WriteString("#EXT-X-ENDLIST\n")

	return sb.String()
}

// createMasterPlaylist builds a master playlist with a low and a high variant.
func createMasterPlaylist() string {
	var sb strings.Builder

	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	sb.WriteString("#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360,CODECS=\"avc1.4d401e,mp4a.40.2\"\n")
	sb.WriteString("low.m3u8\n")
	sb.WriteString("#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1280x720,CODECS=\"avc1.4d401f,mp4a.40.2\"\n")
	sb.WriteString("high.m3u8\n")

	return sb.String()
}

// findBinary locates a seqsync binary built with
// 'go build -o seqsync ./cmd/seqsync'.
func findBinary(t *testing.T) string {
	t.Helper()

	if path := os.Getenv("SEQSYNC_BINARY"); path != "" {
		return path
	}

	candidates := []string{
		"../../seqsync", // From test/integration
		"./seqsync",     // From project root
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, _ := filepath.Abs(path)
			return abs
		}
	}

	t.Skip("seqsync binary not found; run 'go build -o seqsync ./cmd/seqsync' first")
	return ""
}

func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
