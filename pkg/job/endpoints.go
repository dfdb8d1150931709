package job

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// baseJob implements the common bookkeeping (name, method, path, query,
// body) shared by every concrete endpoint job; concrete types embed it and
// override Decode.
type baseJob struct {
	name          string
	method        string
	path          string
	query         map[string]string
	body          any
	rawBody       []byte
	contentType   string
	requiresToken bool
}

func (b *baseJob) Name() string             { return b.name }
func (b *baseJob) Method() string           { return b.method }
func (b *baseJob) Path() string             { return b.path }
func (b *baseJob) Query() map[string]string { return b.query }
func (b *baseJob) Body() any                { return b.body }
func (b *baseJob) RawBody() []byte          { return b.rawBody }
func (b *baseJob) ContentType() string      { return b.contentType }
func (b *baseJob) RequiresToken() bool      { return b.requiresToken }

func decodeJSON[T any](body []byte) (any, error) {
	var v T
	if len(body) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// WellKnownResponse is the response shape of GET /.well-known/matrix/client.
type WellKnownResponse struct {
	Homeserver struct {
		BaseURL string `json:"base_url"`
	} `json:"m.homeserver"`
}

// WellKnownJob performs homeserver discovery.
type WellKnownJob struct{ baseJob }

func NewWellKnownJob() *WellKnownJob {
	return &WellKnownJob{baseJob{name: "wellKnown", method: "GET", path: "/.well-known/matrix/client"}}
}
func (j *WellKnownJob) Decode(body []byte) (any, error) { return decodeJSON[WellKnownResponse](body) }

// LoginFlowsResponse lists the login flows the homeserver advertises.
type LoginFlowsResponse struct {
	Flows []struct {
		Type string `json:"type"`
	} `json:"flows"`
}

// LoginFlowsJob enumerates supported login flows (GET .../login).
type LoginFlowsJob struct{ baseJob }

func NewLoginFlowsJob() *LoginFlowsJob {
	return &LoginFlowsJob{baseJob{name: "loginFlows", method: "GET", path: "/_matrix/client/v3/login"}}
}
func (j *LoginFlowsJob) Decode(body []byte) (any, error) { return decodeJSON[LoginFlowsResponse](body) }

// LoginResponse is the response shape of POST .../login.
type LoginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// LoginJob performs POST .../login with an arbitrary request body (password,
// token, or m.login.sso.<provider> identifier depending on the flow).
type LoginJob struct{ baseJob }

func NewLoginPasswordJob(user, password, deviceID, initialDeviceName string) *LoginJob {
	body := map[string]any{
		"type":                       "m.login.password",
		"identifier":                 map[string]string{"type": "m.id.user", "user": user},
		"password":                   password,
		"initial_device_display_name": initialDeviceName,
	}
	if deviceID != "" {
		body["device_id"] = deviceID
	}
	return &LoginJob{baseJob{name: "loginPassword", method: "POST", path: "/_matrix/client/v3/login", body: body}}
}

func NewLoginTokenJob(loginToken, deviceID, initialDeviceName string) *LoginJob {
	body := map[string]any{
		"type":                       "m.login.token",
		"token":                      loginToken,
		"initial_device_display_name": initialDeviceName,
	}
	if deviceID != "" {
		body["device_id"] = deviceID
	}
	return &LoginJob{baseJob{name: "loginToken", method: "POST", path: "/_matrix/client/v3/login", body: body}}
}

func (j *LoginJob) Decode(body []byte) (any, error) { return decodeJSON[LoginResponse](body) }

// LogoutJob revokes the access token.
type LogoutJob struct{ baseJob }

func NewLogoutJob() *LogoutJob {
	return &LogoutJob{baseJob{name: "logout", method: "POST", path: "/_matrix/client/v3/logout", requiresToken: true}}
}
func (j *LogoutJob) Decode(body []byte) (any, error) { return struct{}{}, nil }

// WhoAmIResponse confirms an access token's owner.
type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// WhoAmIJob validates an assumed access token.
type WhoAmIJob struct{ baseJob }

func NewWhoAmIJob() *WhoAmIJob {
	return &WhoAmIJob{baseJob{name: "whoAmI", method: "GET", path: "/_matrix/client/v3/account/whoami", requiresToken: true}}
}
func (j *WhoAmIJob) Decode(body []byte) (any, error) { return decodeJSON[WhoAmIResponse](body) }

// CapabilitiesResponse is the server feature-set snapshot.
type CapabilitiesResponse struct {
	Capabilities map[string]json.RawMessage `json:"capabilities"`
}

// CapabilitiesJob probes server capabilities (room versions, password
// change support, etc).
type CapabilitiesJob struct{ baseJob }

func NewCapabilitiesJob() *CapabilitiesJob {
	return &CapabilitiesJob{baseJob{name: "capabilities", method: "GET", path: "/_matrix/client/v3/capabilities", requiresToken: true}}
}
func (j *CapabilitiesJob) Decode(body []byte) (any, error) { return decodeJSON[CapabilitiesResponse](body) }

// SyncResponse is the top-level shape of a /sync response; room, account
// data, and to-device payloads are left as raw JSON for the sync pipeline
// (pkg/connection) to demultiplex.
type SyncResponse struct {
	NextBatch   string          `json:"next_batch"`
	Rooms       json.RawMessage `json:"rooms"`
	AccountData json.RawMessage `json:"account_data"`
	ToDevice    json.RawMessage `json:"to_device"`
	Presence    json.RawMessage `json:"presence"`
	DeviceLists struct {
		Changed []string `json:"changed"`
		Left    []string `json:"left"`
	} `json:"device_lists"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count"`
}

// SyncJob drives a single long-poll iteration of /sync.
type SyncJob struct{ baseJob }

// NewSyncJob builds a sync request carrying the last sync token, a filter
// bounding the timeline at 100 events/room and requesting lazy-loaded
// members when enabled, and the long-poll timeout in milliseconds.
func NewSyncJob(since string, timeoutMs int, lazyLoadMembers bool) *SyncJob {
	filter := map[string]any{
		"room": map[string]any{
			"timeline": map[string]any{"limit": 100},
		},
	}
	if lazyLoadMembers {
		filter["room"].(map[string]any)["state"] = map[string]any{"lazy_load_members": true}
	}
	filterJSON, _ := json.Marshal(filter)

	q := map[string]string{
		"timeout": fmt.Sprintf("%d", timeoutMs),
		"filter":  string(filterJSON),
	}
	if since != "" {
		q["since"] = since
	}
	return &SyncJob{baseJob{name: "sync", method: "GET", path: "/_matrix/client/v3/sync", query: q, requiresToken: true}}
}
func (j *SyncJob) Decode(body []byte) (any, error) { return decodeJSON[SyncResponse](body) }

// CreateRoomJob creates a room.
type CreateRoomJob struct{ baseJob }

type CreateRoomRequest struct {
	Visibility      string           `json:"visibility,omitempty"`
	RoomAliasName   string           `json:"room_alias_name,omitempty"`
	Name            string           `json:"name,omitempty"`
	Topic           string           `json:"topic,omitempty"`
	Invite          []string         `json:"invite,omitempty"`
	Invite3pid      []map[string]any `json:"invite_3pid,omitempty"`
	Preset          string           `json:"preset,omitempty"`
	RoomVersion     string           `json:"room_version,omitempty"`
	IsDirect        bool             `json:"is_direct,omitempty"`
	CreationContent map[string]any   `json:"creation_content,omitempty"`
	InitialState    []map[string]any `json:"initial_state,omitempty"`
}

func NewCreateRoomJob(req CreateRoomRequest) *CreateRoomJob {
	return &CreateRoomJob{baseJob{name: "createRoom", method: "POST", path: "/_matrix/client/v3/createRoom", body: req, requiresToken: true}}
}

type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
}

func (j *CreateRoomJob) Decode(body []byte) (any, error) { return decodeJSON[CreateRoomResponse](body) }

// JoinRoomJob joins a room by ID or alias. Of the via servers given, only
// the first is sent, as the server_name query parameter.
type JoinRoomJob struct{ baseJob }

func NewJoinRoomJob(aliasOrID string, viaServers []string) *JoinRoomJob {
	q := map[string]string{}
	for i, s := range viaServers {
		if i == 0 {
			q["server_name"] = s
		}
	}
	path := "/_matrix/client/v3/join/" + url.PathEscape(aliasOrID)
	return &JoinRoomJob{baseJob{name: "joinRoom", method: "POST", path: path, query: q, body: map[string]any{}, requiresToken: true}}
}

type JoinRoomResponse struct {
	RoomID string `json:"room_id"`
}

func (j *JoinRoomJob) Decode(body []byte) (any, error) { return decodeJSON[JoinRoomResponse](body) }

// LeaveRoomJob leaves a room the local user is a member of.
type LeaveRoomJob struct{ baseJob }

func NewLeaveRoomJob(roomID string) *LeaveRoomJob {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
	return &LeaveRoomJob{baseJob{name: "leaveRoom", method: "POST", path: path, body: map[string]any{}, requiresToken: true}}
}
func (j *LeaveRoomJob) Decode(body []byte) (any, error) { return struct{}{}, nil }

// ForgetRoomJob forgets a room the local user has left.
type ForgetRoomJob struct{ baseJob }

func NewForgetRoomJob(roomID string) *ForgetRoomJob {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/forget", url.PathEscape(roomID))
	return &ForgetRoomJob{baseJob{name: "forgetRoom", method: "POST", path: path, body: map[string]any{}, requiresToken: true}}
}
func (j *ForgetRoomJob) Decode(body []byte) (any, error) { return struct{}{}, nil }

// InviteJob invites a user to a room.
type InviteJob struct{ baseJob }

func NewInviteJob(roomID, userID string) *InviteJob {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID))
	body := map[string]any{"user_id": userID}
	return &InviteJob{baseJob{name: "invite", method: "POST", path: path, body: body, requiresToken: true}}
}
func (j *InviteJob) Decode(body []byte) (any, error) { return struct{}{}, nil }

// SendMessageJob sends an event to a room's timeline under a transaction ID,
// so retries of the same job never produce duplicate events.
type SendMessageJob struct{ baseJob }

func NewSendMessageJob(roomID, eventType, txnID string, content any) *SendMessageJob {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventType), url.PathEscape(txnID))
	return &SendMessageJob{baseJob{name: "sendMessage", method: "PUT", path: path, body: content, requiresToken: true}}
}

type SendMessageResponse struct {
	EventID string `json:"event_id"`
}

func (j *SendMessageJob) Decode(body []byte) (any, error) { return decodeJSON[SendMessageResponse](body) }

// SetAccountDataJob publishes global or per-room account data.
type SetAccountDataJob struct{ baseJob }

func NewSetAccountDataJob(userID, eventType string, content any) *SetAccountDataJob {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/account_data/%s", url.PathEscape(userID), url.PathEscape(eventType))
	return &SetAccountDataJob{baseJob{name: "setAccountData", method: "PUT", path: path, body: content, requiresToken: true}}
}
func (j *SetAccountDataJob) Decode(body []byte) (any, error) { return struct{}{}, nil }

// SetRoomAccountDataJob publishes per-room account data (e.g. m.tag).
type SetRoomAccountDataJob struct{ baseJob }

func NewSetRoomAccountDataJob(userID, roomID, eventType string, content any) *SetRoomAccountDataJob {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/rooms/%s/account_data/%s",
		url.PathEscape(userID), url.PathEscape(roomID), url.PathEscape(eventType))
	return &SetRoomAccountDataJob{baseJob{name: "setRoomAccountData", method: "PUT", path: path, body: content, requiresToken: true}}
}
func (j *SetRoomAccountDataJob) Decode(body []byte) (any, error) { return struct{}{}, nil }

// SendToDeviceJob delivers to-device messages, used both for plaintext
// verification events and Olm-encrypted m.room.encrypted payloads.
type SendToDeviceJob struct{ baseJob }

type ToDeviceRequest struct {
	Messages map[string]map[string]any `json:"messages"`
}

func NewSendToDeviceJob(eventType, txnID string, req ToDeviceRequest) *SendToDeviceJob {
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s", url.PathEscape(eventType), url.PathEscape(txnID))
	return &SendToDeviceJob{baseJob{name: "sendToDevice", method: "PUT", path: path, body: req, requiresToken: true}}
}
func (j *SendToDeviceJob) Decode(body []byte) (any, error) { return struct{}{}, nil }

// UploadKeysJob publishes device identity keys and one-time keys.
type UploadKeysJob struct{ baseJob }

type UploadKeysRequest struct {
	DeviceKeys map[string]any `json:"device_keys,omitempty"`
	OneTimeKeys map[string]any `json:"one_time_keys,omitempty"`
}

func NewUploadKeysJob(req UploadKeysRequest) *UploadKeysJob {
	return &UploadKeysJob{baseJob{name: "uploadKeys", method: "POST", path: "/_matrix/client/v3/keys/upload", body: req, requiresToken: true}}
}

type UploadKeysResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

func (j *UploadKeysJob) Decode(body []byte) (any, error) { return decodeJSON[UploadKeysResponse](body) }

// QueryKeysJob fetches device keys (and cross-signing keys) for a set of
// users whose device list was marked outdated.
type QueryKeysJob struct{ baseJob }

func NewQueryKeysJob(userIDs []string) *QueryKeysJob {
	devices := make(map[string][]string, len(userIDs))
	for _, u := range userIDs {
		devices[u] = []string{}
	}
	body := map[string]any{"device_keys": devices}
	return &QueryKeysJob{baseJob{name: "queryKeys", method: "POST", path: "/_matrix/client/v3/keys/query", body: body, requiresToken: true}}
}

type QueryKeysResponse struct {
	DeviceKeys          map[string]map[string]json.RawMessage `json:"device_keys"`
	MasterKeys          map[string]json.RawMessage            `json:"master_keys"`
	SelfSigningKeys     map[string]json.RawMessage            `json:"self_signing_keys"`
	UserSigningKeys     map[string]json.RawMessage            `json:"user_signing_keys"`
}

func (j *QueryKeysJob) Decode(body []byte) (any, error) { return decodeJSON[QueryKeysResponse](body) }

// ClaimKeysJob claims one-time keys for (user, device) pairs lacking an
// Olm session, ahead of distributing a new outbound megolm session.
type ClaimKeysJob struct{ baseJob }

func NewClaimKeysJob(algorithm string, targets map[string][]string) *ClaimKeysJob {
	oneTimeKeys := make(map[string]map[string]string)
	for user, devices := range targets {
		perDevice := make(map[string]string, len(devices))
		for _, d := range devices {
			perDevice[d] = algorithm
		}
		oneTimeKeys[user] = perDevice
	}
	body := map[string]any{"one_time_keys": oneTimeKeys}
	return &ClaimKeysJob{baseJob{name: "claimKeys", method: "POST", path: "/_matrix/client/v3/keys/claim", body: body, requiresToken: true}}
}

type ClaimKeysResponse struct {
	OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
}

func (j *ClaimKeysJob) Decode(body []byte) (any, error) { return decodeJSON[ClaimKeysResponse](body) }

// UploadContentJob implements POST /_matrix/media/v3/upload, carrying the
// raw bytes of a media file rather than a JSON body.
type UploadContentJob struct{ baseJob }

func NewUploadContentJob(data []byte, contentType, filename string) *UploadContentJob {
	q := map[string]string{}
	if filename != "" {
		q["filename"] = filename
	}
	return &UploadContentJob{baseJob{
		name:          "uploadContent",
		method:        "POST",
		path:          "/_matrix/media/v3/upload",
		query:         q,
		rawBody:       data,
		contentType:   contentType,
		requiresToken: true,
	}}
}

type UploadContentResponse struct {
	ContentURI string `json:"content_uri"`
}

func (j *UploadContentJob) Decode(body []byte) (any, error) {
	return decodeJSON[UploadContentResponse](body)
}

// DownloadContentJob implements GET /_matrix/media/v3/download/{server}/{mediaId}.
// The response Content-Type header is not surfaced through Decode; callers
// that need it should inspect the media info embedded in the originating
// m.room.message event instead.
type DownloadContentJob struct{ baseJob }

func NewDownloadContentJob(server, mediaID string) *DownloadContentJob {
	path := fmt.Sprintf("/_matrix/media/v3/download/%s/%s", url.PathEscape(server), url.PathEscape(mediaID))
	return &DownloadContentJob{baseJob{name: "downloadContent", method: "GET", path: path}}
}

type DownloadContentResponse struct {
	Data []byte
}

func (j *DownloadContentJob) Decode(body []byte) (any, error) {
	return DownloadContentResponse{Data: body}, nil
}

// ThumbnailJob implements GET /_matrix/media/v3/thumbnail/{server}/{mediaId}.
type ThumbnailJob struct{ baseJob }

func NewThumbnailJob(server, mediaID string, width, height int, method string) *ThumbnailJob {
	path := fmt.Sprintf("/_matrix/media/v3/thumbnail/%s/%s", url.PathEscape(server), url.PathEscape(mediaID))
	if method == "" {
		method = "scale"
	}
	q := map[string]string{
		"width":  fmt.Sprintf("%d", width),
		"height": fmt.Sprintf("%d", height),
		"method": method,
	}
	return &ThumbnailJob{baseJob{name: "thumbnail", method: "GET", path: path, query: q}}
}

func (j *ThumbnailJob) Decode(body []byte) (any, error) {
	return DownloadContentResponse{Data: body}, nil
}
