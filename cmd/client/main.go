// Command client is a demo CLI driving a kvdemo Local over HTTP against
// cmd/server, exercising internal/local's PushMutations/Pull ordering
// from outside the test suite.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/aggregat4/rowsync/internal/config"
	"github.com/aggregat4/rowsync/internal/journal"
	"github.com/aggregat4/rowsync/internal/kvdemo"
	"github.com/aggregat4/rowsync/internal/local"
	"github.com/aggregat4/rowsync/internal/mutate"
	"github.com/aggregat4/rowsync/internal/storage"
	"github.com/aggregat4/rowsync/internal/syncerr"
	"github.com/aggregat4/rowsync/internal/timeline"
	"github.com/aggregat4/rowsync/internal/wire"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClientConfigFromEnv(os.Getenv)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	if cfg.ClientID == "" {
		id, err := loadOrMintClientID(cfg.DataDir)
		if err != nil {
			return err
		}
		cfg.ClientID = id
	}

	db, err := storage.OpenSQLite(ctx, filepath.Join(cfg.DataDir, "local.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := kvdemo.Bootstrap(ctx, db); err != nil {
		return err
	}

	store, err := journal.OpenStore[kvdemo.Mutation](filepath.Join(cfg.DataDir, "local.journal"), kvdemo.JSONCodec{})
	if err != nil {
		return err
	}
	j, err := journal.New[kvdemo.Mutation](journal.WithStore(store), journal.WithEqual(mutate.CodecEqual[kvdemo.Mutation](kvdemo.JSONCodec{})))
	if err != nil {
		return err
	}

	clientID := storage.ClientID(cfg.ClientID)
	tl := timeline.New[kvdemo.Mutation](clientID, j, db, kvdemo.Mutator{})
	network := &httpNetwork{baseURL: strings.TrimRight(cfg.ServerAddr, "/"), client: &http.Client{Timeout: 10 * time.Second}}
	loc := local.New[kvdemo.Mutation](clientID, tl, db, network, clock.WallClock)

	fmt.Fprintf(os.Stdout, "rowsync client %q connected to %s — commands: set <key> <value> | del <key> | push | pull | quit\n", clientID, cfg.ServerAddr)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "set":
			if len(fields) != 3 {
				fmt.Fprintln(os.Stderr, "usage: set <key> <value>")
				continue
			}
			lsn, err := loc.Run(ctx, kvdemo.Mutation{Op: kvdemo.OpSet, Key: fields[1], Value: fields[2]})
			reportResult(lsn, err)
		case "del":
			if len(fields) != 2 {
				fmt.Fprintln(os.Stderr, "usage: del <key>")
				continue
			}
			lsn, err := loc.Run(ctx, kvdemo.Mutation{Op: kvdemo.OpDelete, Key: fields[1]})
			reportResult(lsn, err)
		case "push":
			if err := loc.PushMutations(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "push failed:", err)
			} else {
				fmt.Fprintln(os.Stdout, "pushed, server cursor now", loc.ServerCursor())
			}
		case "pull":
			if err := loc.Pull(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "pull failed:", err)
			} else {
				fmt.Fprintln(os.Stdout, "pulled, storage cursor now", loc.StorageCursor())
			}
		case "quit", "exit":
			return nil
		default:
			fmt.Fprintln(os.Stderr, "unknown command:", fields[0])
		}
	}
	return scanner.Err()
}

// loadOrMintClientID reads a previously minted client id from dataDir, or
// mints and persists a new one with google/uuid on first run, so the
// client's identity survives restarts without requiring ROWSYNC_CLIENT_ID.
func loadOrMintClientID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "client-id")
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

func reportResult(lsn journal.LSN, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "apply failed (will retry on rebase):", err)
		return
	}
	fmt.Fprintln(os.Stdout, "appended at lsn", lsn)
}

// httpNetwork implements local.Network[kvdemo.Mutation] over cmd/server's
// HTTP routes, the client side of internal/connhandler.
type httpNetwork struct {
	baseURL string
	client  *http.Client
}

func (n *httpNetwork) SyncMutations(ctx context.Context, clientID storage.ClientID, partial journal.Partial[kvdemo.Mutation]) (journal.LSN, error) {
	entries := make([]json.RawMessage, 0, len(partial.Entries))
	for _, e := range partial.Entries {
		raw, err := kvdemo.JSONCodec{}.Encode(e.Value)
		if err != nil {
			return 0, err
		}
		entries = append(entries, raw)
	}
	reqBody := wire.SyncMutationsRequest{Version: wire.ProtocolVersion, ClientID: clientID, Base: partial.Base, Entries: entries}
	var resp wire.SyncMutationsResponse
	if err := n.post(ctx, fmt.Sprintf("/v1/clients/%s/mutations", clientID), reqBody, &resp); err != nil {
		return 0, err
	}
	return resp.NewCursor, nil
}

func (n *httpNetwork) SyncStorage(ctx context.Context, clientID storage.ClientID, cursor storage.Version) (storage.StoragePartial, bool, error) {
	url := fmt.Sprintf("%s/v1/clients/%s/storage?cursor=%d", n.baseURL, clientID, cursor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return storage.StoragePartial{}, false, err
	}
	httpResp, err := n.client.Do(req)
	if err != nil {
		return storage.StoragePartial{}, false, errors.Wrap(errors.Annotate(err, "calling SyncStorage"), syncerr.TransportError)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return storage.StoragePartial{}, false, errors.Wrap(errors.Annotate(err, "reading SyncStorage response"), syncerr.TransportError)
	}
	if httpResp.StatusCode != http.StatusOK {
		return storage.StoragePartial{}, false, decodeErrResponse(httpResp.StatusCode, body)
	}

	var resp wire.SyncStorageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return storage.StoragePartial{}, false, errors.Wrap(errors.Annotate(err, "decoding SyncStorage response"), syncerr.TransportError)
	}
	if resp.Empty {
		return storage.StoragePartial{Base: resp.Base}, true, nil
	}
	partial := storage.StoragePartial{Base: resp.Base}
	for _, cs := range resp.ChangeSets {
		partial.ChangeSets = append(partial.ChangeSets, wire.FromChangeSetWire(cs))
	}
	return partial, false, nil
}

func (n *httpNetwork) post(ctx context.Context, path string, reqBody, respBody any) error {
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.Annotatef(err, "calling %s", path), syncerr.TransportError)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errors.Wrap(errors.Annotatef(err, "reading response from %s", path), syncerr.TransportError)
	}
	if httpResp.StatusCode != http.StatusOK {
		return decodeErrResponse(httpResp.StatusCode, body)
	}
	return json.Unmarshal(body, respBody)
}

func decodeErrResponse(status int, body []byte) error {
	var resp wire.ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errors.Wrap(errors.Annotatef(err, "server returned status %d", status), syncerr.TransportError)
	}
	switch resp.Kind {
	case syncerr.JournalGap.Error():
		return errors.Wrap(errors.New(resp.Message), syncerr.JournalGap)
	case syncerr.JournalDivergence.Error():
		return errors.Wrap(errors.New(resp.Message), syncerr.JournalDivergence)
	case syncerr.StorageError.Error():
		return errors.Wrap(errors.New(resp.Message), syncerr.StorageError)
	default:
		if status == http.StatusTooManyRequests {
			return errors.Wrap(errors.New(resp.Message), syncerr.Backpressure)
		}
		return errors.Wrap(errors.New(resp.Message), syncerr.TransportError)
	}
}
