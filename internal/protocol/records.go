package protocol

// Blueprint is the templated specification for an in-world object. The
// catalog stores these verbatim; every field change bumps Version.
type Blueprint struct {
	ID      string `cbor:"id" json:"id"`
	Version int64  `cbor:"version" json:"version"`
	Name    string `cbor:"name,omitempty" json:"name,omitempty"`
	Model   string `cbor:"model,omitempty" json:"model,omitempty"`
	Image   string `cbor:"image,omitempty" json:"image,omitempty"`
	Author  string `cbor:"author,omitempty" json:"author,omitempty"`
	Desc    string `cbor:"desc,omitempty" json:"desc,omitempty"`
	URL     string `cbor:"url,omitempty" json:"url,omitempty"`

	Scene    bool `cbor:"scene,omitempty" json:"scene,omitempty"`
	Disabled bool `cbor:"disabled,omitempty" json:"disabled,omitempty"`
	Preload  bool `cbor:"preload,omitempty" json:"preload,omitempty"`
	Unique   bool `cbor:"unique,omitempty" json:"unique,omitempty"`
	Keep     bool `cbor:"keep,omitempty" json:"keep,omitempty"`
	Frozen   bool `cbor:"frozen,omitempty" json:"frozen,omitempty"`

	Props map[string]any `cbor:"props,omitempty" json:"props,omitempty"`

	Script       string            `cbor:"script,omitempty" json:"script,omitempty"`
	ScriptEntry  string            `cbor:"scriptEntry,omitempty" json:"scriptEntry,omitempty"`
	ScriptFiles  map[string]string `cbor:"scriptFiles,omitempty" json:"scriptFiles,omitempty"`
	ScriptFormat string            `cbor:"scriptFormat,omitempty" json:"scriptFormat,omitempty"`
	ScriptRef    string            `cbor:"scriptRef,omitempty" json:"scriptRef,omitempty"`

	Scope string `cbor:"scope,omitempty" json:"scope,omitempty"`
}

// Script formats. legacy-body is stored and propagated opaquely; the
// core never interprets it.
const (
	ScriptFormatModule = "module"
	ScriptFormatLegacy = "legacy-body"
)

// SceneID is the id of the world-root singleton blueprint.
const SceneID = "$scene"

// Entity is a placed instance of a blueprint.
type Entity struct {
	ID        string `cbor:"id" json:"id"`
	Version   int64  `cbor:"version" json:"version"`
	Blueprint string `cbor:"blueprint" json:"blueprint"`

	Position   [3]float64 `cbor:"position" json:"position"`
	Quaternion [4]float64 `cbor:"quaternion" json:"quaternion"`
	Scale      [3]float64 `cbor:"scale" json:"scale"`

	Mover    string `cbor:"mover,omitempty" json:"mover,omitempty"`
	Uploader string `cbor:"uploader,omitempty" json:"uploader,omitempty"`
	Pinned   bool   `cbor:"pinned,omitempty" json:"pinned,omitempty"`

	Props map[string]any `cbor:"props,omitempty" json:"props,omitempty"`
	State map[string]any `cbor:"state,omitempty" json:"state,omitempty"`
}

// Settings is the world-settings singleton keyed bag.
type Settings struct {
	Version       int64          `cbor:"version" json:"version"`
	Title         string         `cbor:"title,omitempty" json:"title,omitempty"`
	Desc          string         `cbor:"desc,omitempty" json:"desc,omitempty"`
	Image         string         `cbor:"image,omitempty" json:"image,omitempty"`
	Avatar        string         `cbor:"avatar,omitempty" json:"avatar,omitempty"`
	CustomAvatars bool           `cbor:"customAvatars,omitempty" json:"customAvatars,omitempty"`
	Voice         string         `cbor:"voice,omitempty" json:"voice,omitempty"`
	PlayerLimit   int            `cbor:"playerLimit,omitempty" json:"playerLimit,omitempty"`
	AO            bool           `cbor:"ao,omitempty" json:"ao,omitempty"`
	Rank          int            `cbor:"rank,omitempty" json:"rank,omitempty"`
	Extra         map[string]any `cbor:"extra,omitempty" json:"extra,omitempty"`
}

// Player ranks, lowest to highest.
const (
	RankVisitor = 0
	RankBuilder = 1
	RankAdmin   = 2
)

// SnapshotMsg carries the one-shot full catalog state sent when a
// session subscribes with snapshot=true.
type SnapshotMsg struct {
	Blueprints []Blueprint `cbor:"blueprints" json:"blueprints"`
	Entities   []Entity    `cbor:"entities" json:"entities"`
	Settings   Settings    `cbor:"settings" json:"settings"`
}

// DeltaFrame is one record change fanned out after a commit. Frames for
// one multi-record commit share a CommitID so subscribers observe them
// atomically.
type DeltaFrame struct {
	Method    string     `cbor:"method" json:"method"`
	CommitID  uint64     `cbor:"commitId" json:"commitId"`
	NetworkID string     `cbor:"networkId,omitempty" json:"networkId,omitempty"`
	Blueprint *Blueprint `cbor:"blueprint,omitempty" json:"blueprint,omitempty"`
	Entity    *Entity    `cbor:"entity,omitempty" json:"entity,omitempty"`
	Settings  *Settings  `cbor:"settings,omitempty" json:"settings,omitempty"`
	RemovedID string     `cbor:"removedId,omitempty" json:"removedId,omitempty"`

	// Runtime marks high-volume per-entity state deltas, delivered only
	// to sessions subscribed with runtime=true.
	Runtime bool `cbor:"runtime,omitempty" json:"runtime,omitempty"`
}

// RecordID names the record a delta frame touches, for per-id ordering.
func (f DeltaFrame) RecordID() string {
	switch {
	case f.Blueprint != nil:
		return "blueprint/" + f.Blueprint.ID
	case f.Entity != nil:
		return "entity/" + f.Entity.ID
	case f.Settings != nil:
		return "settings"
	case f.RemovedID != "":
		switch f.Method {
		case MethodBlueprintRemoved:
			return "blueprint/" + f.RemovedID
		case MethodEntityRemoved:
			return "entity/" + f.RemovedID
		}
	}
	return ""
}

// PlayerDelta carries roster/presence changes for sessions subscribed
// with players=true.
type PlayerDelta struct {
	Op       string `cbor:"op" json:"op"` // added|removed|renamed|rank|speaking|muted
	PlayerID string `cbor:"playerId" json:"playerId"`
	Name     string `cbor:"name,omitempty" json:"name,omitempty"`
	Rank     int    `cbor:"rank,omitempty" json:"rank,omitempty"`
	Flag     bool   `cbor:"flag,omitempty" json:"flag,omitempty"`
}
