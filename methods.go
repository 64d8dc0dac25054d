package ariarpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

const (
	MethodAddURI               = "aria2.addUri"
	MethodAddTorrent           = "aria2.addTorrent"
	MethodAddMetalink          = "aria2.addMetalink"
	MethodRemove               = "aria2.remove"
	MethodForceRemove          = "aria2.forceRemove"
	MethodPause                = "aria2.pause"
	MethodPauseAll             = "aria2.pauseAll"
	MethodForcePause           = "aria2.forcePause"
	MethodForcePauseAll        = "aria2.forcePauseAll"
	MethodUnpause              = "aria2.unpause"
	MethodUnpauseAll           = "aria2.unpauseAll"
	MethodTellStatus           = "aria2.tellStatus"
	MethodGetURIs              = "aria2.getUris"
	MethodGetFiles             = "aria2.getFiles"
	MethodGetPeers             = "aria2.getPeers"
	MethodGetServers           = "aria2.getServers"
	MethodTellActive           = "aria2.tellActive"
	MethodTellWaiting          = "aria2.tellWaiting"
	MethodTellStopped          = "aria2.tellStopped"
	MethodChangePosition       = "aria2.changePosition"
	MethodChangeURI            = "aria2.changeUri"
	MethodGetOption            = "aria2.getOption"
	MethodChangeOption         = "aria2.changeOption"
	MethodGetGlobalOption      = "aria2.getGlobalOption"
	MethodChangeGlobalOption   = "aria2.changeGlobalOption"
	MethodGetGlobalStat        = "aria2.getGlobalStat"
	MethodPurgeDownloadResult  = "aria2.purgeDownloadResult"
	MethodRemoveDownloadResult = "aria2.removeDownloadResult"
	MethodGetVersion           = "aria2.getVersion"
	MethodGetSessionInfo       = "aria2.getSessionInfo"
	MethodShutdown             = "aria2.shutdown"
	MethodForceShutdown        = "aria2.forceShutdown"
	MethodSaveSession          = "aria2.saveSession"

	MethodMulticall         = "system.multicall"
	MethodListMethods       = "system.listMethods"
	MethodListNotifications = "system.listNotifications"
)

// Reference points for ChangePosition.
const (
	PosSet = "POS_SET"
	PosCur = "POS_CUR"
	PosEnd = "POS_END"
)

// AppendPosition leaves a new download at the end of the waiting queue.
const AppendPosition = -1

// StatusError is what Statuses reports for a gid the daemon could not
// describe.
const StatusError = "error"

// Invoker issues one correlated call. Both *Trigger and *HTTPClient
// implement it.
type Invoker interface {
	Invoke(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

var (
	_ Invoker = (*Trigger)(nil)
	_ Invoker = (*HTTPClient)(nil)
)

// Client exposes the aria2 method catalogue over an Invoker. The secret
// token is the Invoker's business.
type Client struct {
	inv Invoker
}

func NewClient(inv Invoker) *Client {
	return &Client{inv: inv}
}

func invoke[T any](ctx context.Context, inv Invoker, method string, params ...any) (T, error) {
	var out T
	raw, err := inv.Invoke(ctx, method, params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("ariarpc: decode %s result: %w", method, err)
	}
	return out, nil
}

// withPlacement appends options and position the way aria2 expects them:
// options only when non-empty, position only when not negative.
func withPlacement(params []any, opts Options, position int) []any {
	if len(opts) > 0 {
		params = append(params, opts)
	}
	if position >= 0 {
		if len(opts) == 0 {
			// position is positional; options must be present before it.
			params = append(params, Options{})
		}
		params = append(params, position)
	}
	return params
}

func keysParam(params []any, keys []string) []any {
	if len(keys) > 0 {
		params = append(params, keys)
	}
	return params
}

// AddURI adds one download fetched from uris, all pointing at the same
// resource, and returns its gid.
func (c *Client) AddURI(ctx context.Context, uris []string, opts Options, position int) (string, error) {
	return invoke[string](ctx, c.inv, MethodAddURI, withPlacement([]any{uris}, opts, position)...)
}

// AddTorrent adds a base64-encoded torrent.
func (c *Client) AddTorrent(ctx context.Context, torrent string, uris []string, opts Options, position int) (string, error) {
	if uris == nil {
		uris = []string{}
	}
	return invoke[string](ctx, c.inv, MethodAddTorrent, withPlacement([]any{torrent, uris}, opts, position)...)
}

// AddTorrentFile reads a .torrent file and adds it.
func (c *Client) AddTorrentFile(ctx context.Context, path string, uris []string, opts Options, position int) (string, error) {
	torrent, err := encodeFile(path)
	if err != nil {
		return "", err
	}
	return c.AddTorrent(ctx, torrent, uris, opts, position)
}

// AddMetalink adds a base64-encoded metalink and returns the gids it
// created.
func (c *Client) AddMetalink(ctx context.Context, metalink string, opts Options, position int) ([]string, error) {
	return invoke[[]string](ctx, c.inv, MethodAddMetalink, withPlacement([]any{metalink}, opts, position)...)
}

func (c *Client) AddMetalinkFile(ctx context.Context, path string, opts Options, position int) ([]string, error) {
	metalink, err := encodeFile(path)
	if err != nil {
		return nil, err
	}
	return c.AddMetalink(ctx, metalink, opts, position)
}

func encodeFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("ariarpc: read %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (c *Client) Remove(ctx context.Context, gid string) (string, error) {
	return invoke[string](ctx, c.inv, MethodRemove, gid)
}

func (c *Client) ForceRemove(ctx context.Context, gid string) (string, error) {
	return invoke[string](ctx, c.inv, MethodForceRemove, gid)
}

func (c *Client) Pause(ctx context.Context, gid string) (string, error) {
	return invoke[string](ctx, c.inv, MethodPause, gid)
}

func (c *Client) PauseAll(ctx context.Context) (string, error) {
	return invoke[string](ctx, c.inv, MethodPauseAll)
}

func (c *Client) ForcePause(ctx context.Context, gid string) (string, error) {
	return invoke[string](ctx, c.inv, MethodForcePause, gid)
}

func (c *Client) ForcePauseAll(ctx context.Context) (string, error) {
	return invoke[string](ctx, c.inv, MethodForcePauseAll)
}

func (c *Client) Unpause(ctx context.Context, gid string) (string, error) {
	return invoke[string](ctx, c.inv, MethodUnpause, gid)
}

func (c *Client) UnpauseAll(ctx context.Context) (string, error) {
	return invoke[string](ctx, c.inv, MethodUnpauseAll)
}

// TellStatus describes one download. With keys only those fields are
// returned.
func (c *Client) TellStatus(ctx context.Context, gid string, keys ...string) (Status, error) {
	return invoke[Status](ctx, c.inv, MethodTellStatus, keysParam([]any{gid}, keys)...)
}

func (c *Client) GetURIs(ctx context.Context, gid string) ([]URI, error) {
	return invoke[[]URI](ctx, c.inv, MethodGetURIs, gid)
}

func (c *Client) GetFiles(ctx context.Context, gid string) ([]File, error) {
	return invoke[[]File](ctx, c.inv, MethodGetFiles, gid)
}

func (c *Client) GetPeers(ctx context.Context, gid string) ([]Peer, error) {
	return invoke[[]Peer](ctx, c.inv, MethodGetPeers, gid)
}

func (c *Client) GetServers(ctx context.Context, gid string) ([]Server, error) {
	return invoke[[]Server](ctx, c.inv, MethodGetServers, gid)
}

func (c *Client) TellActive(ctx context.Context, keys ...string) ([]Status, error) {
	return invoke[[]Status](ctx, c.inv, MethodTellActive, keysParam(nil, keys)...)
}

// TellWaiting lists waiting downloads. A negative offset counts from the
// end of the queue and lists in reverse.
func (c *Client) TellWaiting(ctx context.Context, offset, num int, keys ...string) ([]Status, error) {
	return invoke[[]Status](ctx, c.inv, MethodTellWaiting, keysParam([]any{offset, num}, keys)...)
}

func (c *Client) TellStopped(ctx context.Context, offset, num int, keys ...string) ([]Status, error) {
	return invoke[[]Status](ctx, c.inv, MethodTellStopped, keysParam([]any{offset, num}, keys)...)
}

// ChangePosition moves a download in the queue relative to how (PosSet,
// PosCur or PosEnd) and returns its new position.
func (c *Client) ChangePosition(ctx context.Context, gid string, pos int, how string) (int, error) {
	return invoke[int](ctx, c.inv, MethodChangePosition, gid, pos, how)
}

// ChangeURI removes delURIs from and adds addURIs to the file at fileIndex
// (1-based). It returns how many URIs were deleted and added.
func (c *Client) ChangeURI(ctx context.Context, gid string, fileIndex int, delURIs, addURIs []string, position int) ([2]int, error) {
	if delURIs == nil {
		delURIs = []string{}
	}
	if addURIs == nil {
		addURIs = []string{}
	}
	params := []any{gid, fileIndex, delURIs, addURIs}
	if position >= 0 {
		params = append(params, position)
	}
	return invoke[[2]int](ctx, c.inv, MethodChangeURI, params...)
}

func (c *Client) GetOption(ctx context.Context, gid string) (Options, error) {
	return invoke[Options](ctx, c.inv, MethodGetOption, gid)
}

func (c *Client) ChangeOption(ctx context.Context, gid string, opts Options) (string, error) {
	return invoke[string](ctx, c.inv, MethodChangeOption, gid, opts)
}

func (c *Client) GetGlobalOption(ctx context.Context) (Options, error) {
	return invoke[Options](ctx, c.inv, MethodGetGlobalOption)
}

func (c *Client) ChangeGlobalOption(ctx context.Context, opts Options) (string, error) {
	return invoke[string](ctx, c.inv, MethodChangeGlobalOption, opts)
}

func (c *Client) GetGlobalStat(ctx context.Context) (GlobalStat, error) {
	return invoke[GlobalStat](ctx, c.inv, MethodGetGlobalStat)
}

func (c *Client) PurgeDownloadResult(ctx context.Context) (string, error) {
	return invoke[string](ctx, c.inv, MethodPurgeDownloadResult)
}

func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) (string, error) {
	return invoke[string](ctx, c.inv, MethodRemoveDownloadResult, gid)
}

func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	return invoke[Version](ctx, c.inv, MethodGetVersion)
}

func (c *Client) GetSessionInfo(ctx context.Context) (SessionInfo, error) {
	return invoke[SessionInfo](ctx, c.inv, MethodGetSessionInfo)
}

func (c *Client) Shutdown(ctx context.Context) (string, error) {
	return invoke[string](ctx, c.inv, MethodShutdown)
}

func (c *Client) ForceShutdown(ctx context.Context) (string, error) {
	return invoke[string](ctx, c.inv, MethodForceShutdown)
}

func (c *Client) SaveSession(ctx context.Context) (string, error) {
	return invoke[string](ctx, c.inv, MethodSaveSession)
}

func (c *Client) ListMethods(ctx context.Context) ([]string, error) {
	return invoke[[]string](ctx, c.inv, MethodListMethods)
}

func (c *Client) ListNotifications(ctx context.Context) ([]string, error) {
	return invoke[[]string](ctx, c.inv, MethodListNotifications)
}

// BatchResult is the outcome of one sub-call of a multicall.
type BatchResult struct {
	Value json.RawMessage
	Err   *RemoteError
}

// faultObject is how a multicall reports a failed sub-call.
type faultObject struct {
	FaultCode   int    `json:"faultCode"`
	FaultString string `json:"faultString"`
}

// Multicall runs calls in one round trip. Each entry of the result matches
// the call at the same index.
func (c *Client) Multicall(ctx context.Context, calls []MethodCall) ([]BatchResult, error) {
	normalized := make([]MethodCall, len(calls))
	for i, mc := range calls {
		if mc.Params == nil {
			mc.Params = []any{}
		}
		normalized[i] = mc
	}
	entries, err := invoke[[]json.RawMessage](ctx, c.inv, MethodMulticall, normalized)
	if err != nil {
		return nil, err
	}
	out := make([]BatchResult, len(entries))
	for i, e := range entries {
		out[i] = decodeBatchEntry(e)
	}
	return out, nil
}

func decodeBatchEntry(raw json.RawMessage) BatchResult {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var wrapped []json.RawMessage
		if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped) == 1 {
			return BatchResult{Value: wrapped[0]}
		}
	}
	var fault faultObject
	if err := json.Unmarshal(raw, &fault); err == nil && fault.FaultString != "" {
		return BatchResult{Err: &RemoteError{Code: fault.FaultCode, Message: fault.FaultString}}
	}
	return BatchResult{Err: &RemoteError{Code: -1, Message: "unexpected multicall entry: " + string(raw)}}
}

// Status returns the status string of one download, or StatusError when
// the daemon does not report one.
func (c *Client) Status(ctx context.Context, gid string) (string, error) {
	st, err := c.TellStatus(ctx, gid, "status")
	if err != nil {
		return "", err
	}
	if st.Status == "" {
		return StatusError, nil
	}
	return st.Status, nil
}

// Statuses asks for the status of every gid in one multicall. The result is
// aligned with gids; gids the daemon could not describe get StatusError.
func (c *Client) Statuses(ctx context.Context, gids []string) ([]string, error) {
	b := c.Batch()
	for _, gid := range gids {
		b.Add(MethodTellStatus, gid, []string{"gid", "status"})
	}
	results, err := b.Run(ctx)
	if err != nil {
		return nil, err
	}
	byGID := make(map[string]string, len(results))
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		var st Status
		if err := json.Unmarshal(r.Value, &st); err == nil && st.GID != "" {
			byGID[st.GID] = st.Status
		}
	}
	out := make([]string, len(gids))
	for i, gid := range gids {
		if s, ok := byGID[gid]; ok && s != "" {
			out[i] = s
		} else {
			out[i] = StatusError
		}
	}
	return out, nil
}

// Batch queues calls and sends them as one system.multicall.
type Batch struct {
	c     *Client
	calls []MethodCall
}

func (c *Client) Batch() *Batch {
	return &Batch{c: c}
}

func (b *Batch) Add(method string, params ...any) *Batch {
	b.calls = append(b.calls, MethodCall{MethodName: method, Params: params})
	return b
}

func (b *Batch) Len() int { return len(b.calls) }

// Run sends the queued calls and empties the batch. An empty batch makes no
// call.
func (b *Batch) Run(ctx context.Context) ([]BatchResult, error) {
	if len(b.calls) == 0 {
		return nil, nil
	}
	calls := b.calls
	b.calls = nil
	return b.c.Multicall(ctx, calls)
}
