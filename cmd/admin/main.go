// Command admin is the operator CLI for a running stagecraft server:
// asset uploads, deploy locks, blueprint removal, game tokens, and
// offline inspection of world archives.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stagecraft.dev/internal/assets"
	"stagecraft.dev/internal/persistence/worldsnap"
	"stagecraft.dev/internal/protocol"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "state":
			stateCmd(os.Args[2:])
			return
		case "upload":
			uploadCmd(os.Args[2:])
			return
		case "check":
			checkCmd(os.Args[2:])
			return
		case "lock":
			lockCmd(os.Args[2:])
			return
		case "unlock":
			unlockCmd(os.Args[2:])
			return
		case "remove-blueprint":
			removeBlueprintCmd(os.Args[2:])
			return
		case "game-token":
			gameTokenCmd(os.Args[2:])
			return
		case "docs":
			docsCmd(os.Args[2:])
			return
		case "archives":
			archivesCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin <state|upload|check|lock|unlock|remove-blueprint|game-token|docs|archives> [flags]")
	os.Exit(2)
}

type client struct {
	baseURL string
	code    string
	http    *http.Client
}

func newClient(fs *flag.FlagSet, args []string) (*client, *flag.FlagSet) {
	baseURL := fs.String("url", os.Getenv("SC_ADMIN_URL"), "server base url (or SC_ADMIN_URL)")
	code := fs.String("code", os.Getenv("SC_ADMIN_CODE"), "admin code (or SC_ADMIN_CODE)")
	_ = fs.Parse(args)
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/")
	if u == "" {
		fatal(protocol.ErrAdminURLMissing)
	}
	if strings.TrimSpace(*code) == "" {
		fatal(protocol.ErrAdminCodeMissing)
	}
	return &client{baseURL: u, code: *code, http: &http.Client{Timeout: 30 * time.Second}}, fs
}

func (c *client) do(method, path string, body io.Reader, contentType string) ([]byte, int) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Admin-Code", c.code)
	resp, err := c.http.Do(req)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return b, resp.StatusCode
}

func (c *client) doJSON(method, path string, payload any) ([]byte, int) {
	b, err := json.Marshal(payload)
	if err != nil {
		fatal(err)
	}
	return c.do(method, path, bytes.NewReader(b), "application/json")
}

func uploadCmd(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	c, fs := newClient(fs, args)
	if fs.NArg() != 1 {
		fatal("usage: admin upload [flags] <file>")
	}
	local := fs.Arg(0)
	data, err := os.ReadFile(local)
	if err != nil {
		fatal(err)
	}
	name := assets.Name(filepath.Base(local), data)

	// Skip the body when the blob is already stored.
	b, status := c.do(http.MethodGet, "/admin/upload-check?filename="+url.QueryEscape(name), nil, "")
	if status == http.StatusOK {
		var check struct {
			Exists bool `json:"exists"`
		}
		if json.Unmarshal(b, &check) == nil && check.Exists {
			fmt.Println(assets.URL(name))
			return
		}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		fatal(err)
	}
	_ = mw.Close()
	if b, status := c.do(http.MethodPost, "/admin/upload", &buf, mw.FormDataContentType()); status/100 != 2 {
		fatal(string(b))
	}
	fmt.Println(assets.URL(name))
}

func checkCmd(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	c, fs := newClient(fs, args)
	if fs.NArg() != 1 {
		fatal("usage: admin check [flags] <stored-filename>")
	}
	b, status := c.do(http.MethodGet, "/admin/upload-check?filename="+url.QueryEscape(fs.Arg(0)), nil, "")
	fmt.Println(string(bytes.TrimSpace(b)))
	if status/100 != 2 {
		os.Exit(1)
	}
}

func lockCmd(args []string) {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	scope := fs.String("scope", "", "lock scope (blueprint base id, $scene, or global)")
	owner := fs.String("owner", "", "lock owner label")
	ttl := fs.Int("ttl", 0, "ttl in seconds (0 for server default)")
	c, _ := newClient(fs, args)
	if *scope == "" || *owner == "" {
		fatal("missing -scope or -owner")
	}
	b, status := c.doJSON(http.MethodPost, "/admin/deploy-lock",
		map[string]any{"scope": *scope, "owner": *owner, "ttl": *ttl})
	fmt.Println(string(bytes.TrimSpace(b)))
	if status/100 != 2 {
		os.Exit(1)
	}
}

func unlockCmd(args []string) {
	fs := flag.NewFlagSet("unlock", flag.ExitOnError)
	scope := fs.String("scope", "", "lock scope")
	token := fs.String("token", "", "lock token")
	c, _ := newClient(fs, args)
	if *scope == "" || *token == "" {
		fatal("missing -scope or -token")
	}
	b, status := c.doJSON(http.MethodDelete, "/admin/deploy-lock",
		map[string]any{"scope": *scope, "token": *token})
	fmt.Println(string(bytes.TrimSpace(b)))
	if status/100 != 2 {
		os.Exit(1)
	}
}

func removeBlueprintCmd(args []string) {
	fs := flag.NewFlagSet("remove-blueprint", flag.ExitOnError)
	c, fs := newClient(fs, args)
	if fs.NArg() != 1 {
		fatal("usage: admin remove-blueprint [flags] <blueprint-id>")
	}
	b, status := c.do(http.MethodDelete, "/admin/blueprints/"+url.PathEscape(fs.Arg(0)), nil, "")
	fmt.Println(string(bytes.TrimSpace(b)))
	if status/100 != 2 {
		os.Exit(1)
	}
}

func gameTokenCmd(args []string) {
	fs := flag.NewFlagSet("game-token", flag.ExitOnError)
	playerID := fs.String("player", "", "player id")
	name := fs.String("name", "", "display name")
	rank := fs.Int("rank", protocol.RankVisitor, "player rank")
	c, _ := newClient(fs, args)
	if *playerID == "" {
		fatal("missing -player")
	}
	b, status := c.doJSON(http.MethodPost, "/admin/game-token",
		map[string]any{"playerId": *playerID, "name": *name, "rank": *rank})
	fmt.Println(string(bytes.TrimSpace(b)))
	if status/100 != 2 {
		os.Exit(1)
	}
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	c, _ := newClient(fs, args)
	b, status := c.do(http.MethodGet, "/admin/state", nil, "")
	fmt.Println(string(bytes.TrimSpace(b)))
	if status/100 != 2 {
		os.Exit(1)
	}
}

func docsCmd(args []string) {
	fs := flag.NewFlagSet("docs", flag.ExitOnError)
	c, _ := newClient(fs, args)
	b, status := c.do(http.MethodGet, "/ai-docs-index", nil, "")
	fmt.Println(string(bytes.TrimSpace(b)))
	if status/100 != 2 {
		os.Exit(1)
	}
}

// archivesCmd inspects world archives on disk; no server needed.
func archivesCmd(args []string) {
	fs := flag.NewFlagSet("archives", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "world_1", "world id")
	show := fs.String("show", "", "archive filename to dump record counts for")
	_ = fs.Parse(args)

	dir := filepath.Join(*dataDir, "worlds", *worldID, "archives")
	if *show != "" {
		arch, err := worldsnap.Read(filepath.Join(dir, *show))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("world=%s commit=%d taken=%s blueprints=%d entities=%d\n",
			arch.Header.WorldID, arch.Header.CommitSeq,
			time.Unix(arch.Header.TakenAt, 0).Format(time.RFC3339),
			len(arch.Blueprints), len(arch.Entities))
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		h, err := worldsnap.PeekHeader(filepath.Join(dir, name))
		if err != nil {
			fmt.Printf("%s\t(unreadable: %v)\n", name, err)
			continue
		}
		fmt.Printf("%s\tcommit=%d\ttaken=%s\n", name, h.CommitSeq, time.Unix(h.TakenAt, 0).Format(time.RFC3339))
	}
}

func fatal(v any) {
	fmt.Fprintln(os.Stderr, "error:", v)
	os.Exit(1)
}
