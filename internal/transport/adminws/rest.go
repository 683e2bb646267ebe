package adminws

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stagecraft.dev/internal/assets"
	"stagecraft.dev/internal/editor"
	"stagecraft.dev/internal/protocol"
)

// RegisterRoutes mounts the REST surface and asset serving on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin", s.Handler())
	mux.HandleFunc("/game", s.GameHandler())
	mux.HandleFunc("/game/snapshot", s.handleGameSnapshot)
	mux.HandleFunc("/admin/state", s.handleState)
	mux.HandleFunc("/admin/upload-check", s.handleUploadCheck)
	mux.HandleFunc("/admin/upload", s.handleUpload)
	mux.HandleFunc("/admin/deploy-lock", s.handleDeployLock)
	mux.HandleFunc("/admin/blueprints/", s.handleBlueprintDelete)
	mux.HandleFunc("/admin/game-token", s.handleGameToken)
	mux.HandleFunc("/ai-docs-index", s.handleDocsIndex)
	mux.HandleFunc("/assets/", s.handleAssetGet)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": protocol.CodeOf(err)}
	var ce *protocol.CodedError
	if errors.As(err, &ce) {
		if ce.Lock != nil {
			body["lock"] = ce.Lock
		}
		if ce.Refs > 0 {
			body["refs"] = ce.Refs
		}
	}
	writeJSON(rw, status, body)
}

// requireCode gates a REST handler on the X-Admin-Code header when an
// admin code is configured.
func (s *Server) requireCode(rw http.ResponseWriter, r *http.Request) bool {
	if s.opts.AdminCode == "" {
		return true
	}
	code := r.Header.Get("X-Admin-Code")
	if code == "" {
		writeError(rw, http.StatusForbidden, protocol.Coded(protocol.ErrMissingCode))
		return false
	}
	if code != s.opts.AdminCode {
		writeError(rw, http.StatusForbidden, protocol.Coded(protocol.ErrBadCode))
		return false
	}
	return true
}

func (s *Server) restCaller(r *http.Request) editor.Caller {
	id := r.Header.Get("X-Session-Id")
	if id == "" {
		id = "rest"
	}
	return editor.Caller{SessionID: id, NetworkID: id, Rank: protocol.RankAdmin}
}

func (s *Server) handleUploadCheck(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireCode(rw, r) {
		return
	}
	name := r.URL.Query().Get("filename")
	if name == "" || s.opts.Assets == nil {
		writeError(rw, http.StatusBadRequest, protocol.Coded(protocol.ErrBadRequest))
		return
	}
	writeJSON(rw, http.StatusOK, map[string]bool{"exists": s.opts.Assets.Exists(name)})
}

func (s *Server) handleUpload(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireCode(rw, r) {
		return
	}
	if s.opts.Assets == nil {
		writeError(rw, http.StatusBadRequest, protocol.Coded(protocol.ErrUploadFailed))
		return
	}
	r.Body = http.MaxBytesReader(rw, r.Body, s.opts.UploadMax)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.Coded(protocol.ErrBadRequest))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.Coded(protocol.ErrUploadFailed))
		return
	}
	if err := s.opts.Assets.Put(header.Filename, data); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

type lockRequest struct {
	Owner  string `json:"owner"`
	Scope  string `json:"scope"`
	TTLSec int    `json:"ttl,omitempty"`
	Token  string `json:"token,omitempty"`
}

func (s *Server) handleDeployLock(rw http.ResponseWriter, r *http.Request) {
	if !s.requireCode(rw, r) {
		return
	}
	if s.opts.Locks == nil {
		writeError(rw, http.StatusBadRequest, protocol.Coded(protocol.ErrBadRequest))
		return
	}
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.Coded(protocol.ErrBadRequest))
		return
	}
	switch r.Method {
	case http.MethodPost:
		l, err := s.opts.Locks.Acquire(req.Scope, req.Owner, time.Duration(req.TTLSec)*time.Second)
		if err != nil {
			status := http.StatusBadRequest
			if protocol.CodeOf(err) == protocol.ErrLocked {
				status = http.StatusConflict
			}
			writeError(rw, status, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{
			"token":     l.Token,
			"expiresAt": l.ExpiresAt.UnixMilli(),
		})
	case http.MethodDelete:
		// Stale tokens succeed silently.
		s.opts.Locks.Release(req.Scope, req.Token)
		writeJSON(rw, http.StatusOK, map[string]bool{"ok": true})
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBlueprintDelete(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireCode(rw, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/admin/blueprints/")
	if id == "" || strings.Contains(id, "/") {
		writeError(rw, http.StatusBadRequest, protocol.Coded(protocol.ErrBadRequest))
		return
	}
	err := s.pipeline.Apply(s.restCaller(r), &protocol.BlueprintRemoveCmd{ID: id})
	if err != nil {
		status := http.StatusBadRequest
		switch protocol.CodeOf(err) {
		case protocol.ErrInUse, protocol.ErrLocked:
			status = http.StatusConflict
		case protocol.ErrNotFound:
			status = http.StatusNotFound
		}
		writeError(rw, status, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]bool{"ok": true})
}

// handleState reports catalog and session counters for operators.
func (s *Server) handleState(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireCode(rw, r) {
		return
	}
	if s.opts.State == nil {
		writeError(rw, http.StatusBadRequest, protocol.Coded(protocol.ErrBadRequest))
		return
	}
	bps, ents := s.opts.State.Counts()
	body := map[string]any{
		"blueprints": bps,
		"entities":   ents,
		"commitSeq":  s.opts.State.CommitSeq(),
		"sessions":   s.fan.SessionCount(),
	}
	if s.opts.Locks != nil {
		body["locks"] = s.opts.Locks.Count()
	}
	writeJSON(rw, http.StatusOK, body)
}

// handleGameSnapshot is the one-shot JSON variant of the observer
// stream, gated by the same gameplay token.
func (s *Server) handleGameSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.State == nil {
		http.NotFound(rw, r)
		return
	}
	if s.opts.Tokens != nil {
		if _, err := s.opts.Tokens.Verify(r.URL.Query().Get("token")); err != nil {
			http.Error(rw, "bad token", http.StatusForbidden)
			return
		}
	}
	writeJSON(rw, http.StatusOK, s.opts.State.Snapshot())
}

type gameTokenRequest struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Rank     int    `json:"rank"`
}

func (s *Server) handleGameToken(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireCode(rw, r) {
		return
	}
	if s.opts.Tokens == nil {
		writeError(rw, http.StatusBadRequest, protocol.Coded(protocol.ErrBadRequest))
		return
	}
	var req gameTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		writeError(rw, http.StatusBadRequest, protocol.Coded(protocol.ErrBadRequest))
		return
	}
	tok, err := s.opts.Tokens.Issue(req.PlayerID, req.Name, req.Rank)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"token": tok})
}

// handleDocsIndex lists the markdown files under the docs dir for the
// AI attachment picker.
func (s *Server) handleDocsIndex(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	files := []string{}
	if s.opts.DocsDir != "" {
		root := s.opts.DocsDir
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if strings.HasSuffix(d.Name(), ".md") {
				if rel, err := filepath.Rel(root, path); err == nil {
					files = append(files, filepath.ToSlash(rel))
				}
			}
			return nil
		})
	}
	sort.Strings(files)
	writeJSON(rw, http.StatusOK, map[string][]string{"files": files})
}

func (s *Server) handleAssetGet(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Assets == nil {
		http.NotFound(rw, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/assets/")
	data, err := s.opts.Assets.Get(name)
	if err != nil {
		http.NotFound(rw, r)
		return
	}
	rw.Header().Set("Content-Type", assets.ContentTypeFor(name))
	rw.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = rw.Write(data)
}
