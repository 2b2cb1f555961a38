package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/client"
	"github.com/wolfeidau/artifact-cache/protocol"
)

// ClientFlags configure the datagram client used by the key commands.
type ClientFlags struct {
	Timeout time.Duration `help:"Per-attempt response timeout." default:"2s"`
	Retries int           `help:"Retransmissions after a timeout." default:"2"`
}

func (f ClientFlags) dial(g *Globals) (*client.Client, error) {
	c, err := client.Dial(g.Socket, client.WithTimeout(f.Timeout), client.WithRetries(f.Retries))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", g.Socket, err)
	}
	return c, nil
}

// GetCmd writes the content stored under a key.
type GetCmd struct {
	ClientFlags
	Key    string `arg:"" help:"Entry key."`
	Output string `short:"o" help:"Write content to this file instead of stdout." type:"path"`
}

func (c *GetCmd) Run(g *Globals) error {
	cl, err := c.dial(g)
	if err != nil {
		return err
	}
	defer cl.Close() //nolint:errcheck

	data, _, err := cl.Get(context.Background(), []byte(c.Key))
	if err != nil {
		return err
	}
	if c.Output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(c.Output, data, 0o644)
}

// PutCmd stores a file, or stdin, under a key.
type PutCmd struct {
	ClientFlags
	Key  string `arg:"" help:"Entry key."`
	File string `arg:"" optional:"" help:"File to store; stdin when omitted or '-'."`
}

func (c *PutCmd) Run(g *Globals) error {
	var (
		data []byte
		err  error
	)
	if c.File == "" || c.File == "-" {
		data, err = io.ReadAll(io.LimitReader(os.Stdin, protocol.MaxPayloadSize+1))
	} else {
		data, err = os.ReadFile(c.File)
	}
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	if len(data) > protocol.MaxPayloadSize {
		return fmt.Errorf("content is %d bytes, limit is %d", len(data), protocol.MaxPayloadSize)
	}

	cl, err := c.dial(g)
	if err != nil {
		return err
	}
	defer cl.Close() //nolint:errcheck

	meta, err := cl.Put(context.Background(), []byte(c.Key), data)
	if err != nil {
		return err
	}
	return printMetadata(c.Key, meta)
}

// StatCmd prints the metadata of a key.
type StatCmd struct {
	ClientFlags
	Key string `arg:"" help:"Entry key."`
}

func (c *StatCmd) Run(g *Globals) error {
	cl, err := c.dial(g)
	if err != nil {
		return err
	}
	defer cl.Close() //nolint:errcheck

	meta, err := cl.Stat(context.Background(), []byte(c.Key))
	if err != nil {
		return err
	}
	return printMetadata(c.Key, meta)
}

// EvictCmd removes a key.
type EvictCmd struct {
	ClientFlags
	Key string `arg:"" help:"Entry key."`
}

func (c *EvictCmd) Run(g *Globals) error {
	cl, err := c.dial(g)
	if err != nil {
		return err
	}
	defer cl.Close() //nolint:errcheck

	meta, err := cl.Evict(context.Background(), []byte(c.Key))
	if err != nil {
		return err
	}
	return printMetadata(c.Key, meta)
}

// PingCmd checks the daemon is answering.
type PingCmd struct {
	ClientFlags
}

func (c *PingCmd) Run(g *Globals) error {
	cl, err := c.dial(g)
	if err != nil {
		return err
	}
	defer cl.Close() //nolint:errcheck

	start := time.Now()
	if err := cl.Ping(context.Background()); err != nil {
		return err
	}
	fmt.Printf("ok %s\n", time.Since(start).Round(time.Microsecond))
	return nil
}

// GCCmd asks the admin server for an immediate reclamation run.
type GCCmd struct {
	AdminAddress string        `help:"Admin server address." required:""`
	AdminToken   string        `help:"Bearer token for the admin server."`
	Timeout      time.Duration `help:"How long to wait for the run." default:"5m"`
}

func (c *GCCmd) Run(_ *Globals) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	url := c.AdminAddress
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(url, "/")+"/gc", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting reclamation: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = os.Stdout.Write(body)
	return err
}

// entryInfo is the printed form of entry metadata.
type entryInfo struct {
	Key        string             `json:"key"`
	Hash       artifactcache.Hash `json:"hash"`
	Size       int64              `json:"size"`
	CreatedAt  time.Time          `json:"created_at"`
	LastAccess time.Time          `json:"last_access"`
}

func printMetadata(key string, meta *protocol.Metadata) error {
	if meta == nil {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entryInfo{
		Key:        key,
		Hash:       meta.Hash,
		Size:       meta.Size,
		CreatedAt:  meta.CreatedAt,
		LastAccess: meta.LastAccess,
	})
}
