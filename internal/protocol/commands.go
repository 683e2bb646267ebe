package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Command type discriminators carried in adminCommand payloads.
const (
	CmdBlueprintAdd    = "blueprint_add"
	CmdBlueprintModify = "blueprint_modify"
	CmdBlueprintRemove = "blueprint_remove"
	CmdEntityAdd       = "entity_add"
	CmdEntityModify    = "entity_modify"
	CmdEntityRemove    = "entity_remove"
	CmdSettingsModify  = "settings_modify"
	CmdSpawnModify     = "spawn_modify"
	CmdModifyRank      = "modify_rank"
	CmdKick            = "kick"
	CmdMute            = "mute"
	CmdClean           = "clean"
)

// Command is the decoded adminCommand variant. The edit pipeline
// switches exhaustively over the concrete types.
type Command interface {
	CommandType() string
}

// BlueprintChange is a partial blueprint update. Version is the version
// the record will have after the commit; the pipeline rejects it unless
// it equals current+1. Nil pointer fields are left untouched.
type BlueprintChange struct {
	ID      string `cbor:"id" json:"id"`
	Version int64  `cbor:"version" json:"version"`

	Name   *string `cbor:"name,omitempty" json:"name,omitempty"`
	Model  *string `cbor:"model,omitempty" json:"model,omitempty"`
	Image  *string `cbor:"image,omitempty" json:"image,omitempty"`
	Author *string `cbor:"author,omitempty" json:"author,omitempty"`
	Desc   *string `cbor:"desc,omitempty" json:"desc,omitempty"`
	URL    *string `cbor:"url,omitempty" json:"url,omitempty"`

	Disabled *bool `cbor:"disabled,omitempty" json:"disabled,omitempty"`
	Preload  *bool `cbor:"preload,omitempty" json:"preload,omitempty"`
	Unique   *bool `cbor:"unique,omitempty" json:"unique,omitempty"`
	Keep     *bool `cbor:"keep,omitempty" json:"keep,omitempty"`
	Frozen   *bool `cbor:"frozen,omitempty" json:"frozen,omitempty"`

	Props map[string]any `cbor:"props,omitempty" json:"props,omitempty"`

	Script       *string           `cbor:"script,omitempty" json:"script,omitempty"`
	ScriptEntry  *string           `cbor:"scriptEntry,omitempty" json:"scriptEntry,omitempty"`
	ScriptFiles  map[string]string `cbor:"scriptFiles,omitempty" json:"scriptFiles,omitempty"`
	ScriptFormat *string           `cbor:"scriptFormat,omitempty" json:"scriptFormat,omitempty"`
	ScriptRef    *string           `cbor:"scriptRef,omitempty" json:"scriptRef,omitempty"`

	Scope *string `cbor:"scope,omitempty" json:"scope,omitempty"`
}

// EntityChange is a partial entity update, gated the same way.
type EntityChange struct {
	ID      string `cbor:"id" json:"id"`
	Version int64  `cbor:"version" json:"version"`

	Position   *[3]float64 `cbor:"position,omitempty" json:"position,omitempty"`
	Quaternion *[4]float64 `cbor:"quaternion,omitempty" json:"quaternion,omitempty"`
	Scale      *[3]float64 `cbor:"scale,omitempty" json:"scale,omitempty"`

	Mover  *string `cbor:"mover,omitempty" json:"mover,omitempty"`
	Pinned *bool   `cbor:"pinned,omitempty" json:"pinned,omitempty"`

	Props map[string]any `cbor:"props,omitempty" json:"props,omitempty"`
	State map[string]any `cbor:"state,omitempty" json:"state,omitempty"`
}

type BlueprintAddCmd struct {
	Blueprint Blueprint `cbor:"blueprint" json:"blueprint"`
}

type BlueprintModifyCmd struct {
	Change    BlueprintChange `cbor:"change" json:"change"`
	LockToken string          `cbor:"lockToken,omitempty" json:"lockToken,omitempty"`
}

type BlueprintRemoveCmd struct {
	ID string `cbor:"id" json:"id"`
}

type EntityAddCmd struct {
	Entity Entity `cbor:"entity" json:"entity"`
}

type EntityModifyCmd struct {
	Change EntityChange `cbor:"change" json:"change"`
}

type EntityRemoveCmd struct {
	ID string `cbor:"id" json:"id"`
}

type SettingsModifyCmd struct {
	Key   string `cbor:"key" json:"key"`
	Value any    `cbor:"value" json:"value"`
}

type SpawnModifyCmd struct {
	Op        string `cbor:"op" json:"op"`
	NetworkID string `cbor:"networkId" json:"networkId"`
}

type ModifyRankCmd struct {
	PlayerID string `cbor:"playerId" json:"playerId"`
	Rank     int    `cbor:"rank" json:"rank"`
}

type KickCmd struct {
	PlayerID string `cbor:"playerId" json:"playerId"`
}

type MuteCmd struct {
	PlayerID string `cbor:"playerId" json:"playerId"`
	Muted    bool   `cbor:"muted" json:"muted"`
}

// CleanCmd sweeps blueprints that are unreferenced, not kept, not the
// scene root, and not the target of any scriptRef.
type CleanCmd struct{}

func (BlueprintAddCmd) CommandType() string    { return CmdBlueprintAdd }
func (BlueprintModifyCmd) CommandType() string { return CmdBlueprintModify }
func (BlueprintRemoveCmd) CommandType() string { return CmdBlueprintRemove }
func (EntityAddCmd) CommandType() string       { return CmdEntityAdd }
func (EntityModifyCmd) CommandType() string    { return CmdEntityModify }
func (EntityRemoveCmd) CommandType() string    { return CmdEntityRemove }
func (SettingsModifyCmd) CommandType() string  { return CmdSettingsModify }
func (SpawnModifyCmd) CommandType() string     { return CmdSpawnModify }
func (ModifyRankCmd) CommandType() string      { return CmdModifyRank }
func (KickCmd) CommandType() string            { return CmdKick }
func (MuteCmd) CommandType() string            { return CmdMute }
func (CleanCmd) CommandType() string           { return CmdClean }

// CommandMsg is the adminCommand payload on the wire: a discriminator,
// the variant body, and the originating client id for echo suppression.
type CommandMsg struct {
	Type      string          `cbor:"type" json:"type"`
	Seq       uint64          `cbor:"seq,omitempty" json:"seq,omitempty"`
	NetworkID string          `cbor:"networkId,omitempty" json:"networkId,omitempty"`
	Body      cbor.RawMessage `cbor:"body,omitempty" json:"body,omitempty"`
}

func EncodeCommand(cmd Command, networkID string) (CommandMsg, error) {
	b, err := cbor.Marshal(cmd)
	if err != nil {
		return CommandMsg{}, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	return CommandMsg{Type: cmd.CommandType(), NetworkID: networkID, Body: b}, nil
}

// DecodeCommand resolves the tagged variant. Unknown types are refused;
// the pipeline never dispatches on raw strings past this point.
func DecodeCommand(msg CommandMsg) (Command, error) {
	unmarshal := func(v Command) (Command, error) {
		if len(msg.Body) == 0 {
			return nil, Codedf(ErrBadRequest, "%s: empty body", msg.Type)
		}
		if err := decMode.Unmarshal(msg.Body, v); err != nil {
			return nil, Codedf(ErrBadRequest, "%s: %v", msg.Type, err)
		}
		return v, nil
	}
	switch msg.Type {
	case CmdBlueprintAdd:
		return unmarshal(&BlueprintAddCmd{})
	case CmdBlueprintModify:
		return unmarshal(&BlueprintModifyCmd{})
	case CmdBlueprintRemove:
		return unmarshal(&BlueprintRemoveCmd{})
	case CmdEntityAdd:
		return unmarshal(&EntityAddCmd{})
	case CmdEntityModify:
		return unmarshal(&EntityModifyCmd{})
	case CmdEntityRemove:
		return unmarshal(&EntityRemoveCmd{})
	case CmdSettingsModify:
		return unmarshal(&SettingsModifyCmd{})
	case CmdSpawnModify:
		return unmarshal(&SpawnModifyCmd{})
	case CmdModifyRank:
		return unmarshal(&ModifyRankCmd{})
	case CmdKick:
		return unmarshal(&KickCmd{})
	case CmdMute:
		return unmarshal(&MuteCmd{})
	case CmdClean:
		return &CleanCmd{}, nil
	default:
		return nil, Codedf(ErrBadRequest, "unknown command type: %s", msg.Type)
	}
}
