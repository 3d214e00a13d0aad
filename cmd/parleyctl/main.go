package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r := runner{ctx: ctx, c: c, json: *jsonFlag}

	switch args[0] {
	case "status":
		r.status()
	case "login":
		need(args, 2, "login <token>")
		r.print(r.call("SignIn", map[string]any{"token": args[1]}))
	case "logout":
		r.print(r.call("SignOut", nil))
	case "online":
		need(args, 2, "online <on|off|auto>")
		r.online(args[1])
	case "send":
		need(args, 3, "send <channel> <text>")
		r.sent(r.call("SendMessage", map[string]any{"channel_id": args[1], "content": strings.Join(args[2:], " ")}))
	case "send-encrypted":
		need(args, 4, "send-encrypted <channel> <recipient> <text>")
		r.sent(r.call("SendEncryptedMessage", map[string]any{
			"channel_id":   args[1],
			"recipient_id": args[2],
			"content":      strings.Join(args[3:], " "),
		}))
	case "send-group":
		need(args, 3, "send-group <channel> <text>")
		r.sent(r.call("SendGroupMessage", map[string]any{"channel_id": args[1], "content": strings.Join(args[2:], " ")}))
	case "react", "unreact":
		need(args, 3, args[0]+" <message> <emoji>")
		method := "AddReaction"
		if args[0] == "unreact" {
			method = "RemoveReaction"
		}
		r.sent(r.call(method, map[string]any{"message_id": args[1], "emoji": args[2]}))
	case "retry":
		need(args, 2, "retry <id>")
		r.sent(r.call("RetryMessage", map[string]any{"id": args[1]}))
	case "cancel":
		need(args, 2, "cancel <id>")
		r.print(r.call("CancelMessage", map[string]any{"id": args[1]}))
	case "pending":
		req := map[string]any{}
		if len(args) > 1 {
			req["channel_id"] = args[1]
		}
		r.pending(r.call("ListPending", req))
	case "chats":
		r.chats(r.call("LoadChatList", map[string]any{"force": slices.Contains(args, "--force"), "include_archived": slices.Contains(args, "--all")}))
	case "messages":
		need(args, 2, "messages <channel>")
		r.messages(r.call("LoadMessages", map[string]any{"channel_id": args[1]}))
	case "pin", "archive", "mute":
		need(args, 2, args[0]+" <channel> [duration]")
		r.toggle(args)
	case "open":
		need(args, 2, "open <channel>")
		r.print(r.call("OpenChat", map[string]any{"channel_id": args[1]}))
	case "close":
		need(args, 2, "close <channel>")
		r.print(r.call("CloseChat", map[string]any{"channel_id": args[1]}))
	case "upload":
		need(args, 3, "upload <recipient> <file>")
		r.upload(args[1], args[2])
	case "code":
		need(args, 2, "code <user> [png-path]")
		r.code(args)
	case "verify":
		need(args, 2, "verify <qr-payload>")
		r.verify(args[1])
	case "verified":
		r.print(r.call("ListVerified", nil))
	case "sync":
		r.print(r.call("SyncNow", nil))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: parleyctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                              Show daemon status")
	fmt.Fprintln(os.Stderr, "  login <token>                       Sign in with a session token")
	fmt.Fprintln(os.Stderr, "  logout                              Sign out and clear caches")
	fmt.Fprintln(os.Stderr, "  online <on|off|auto>                Force or resume connectivity probing")
	fmt.Fprintln(os.Stderr, "  send <channel> <text>               Send a message")
	fmt.Fprintln(os.Stderr, "  send-encrypted <channel> <user> <text>")
	fmt.Fprintln(os.Stderr, "                                      Send an end-to-end encrypted message")
	fmt.Fprintln(os.Stderr, "  send-group <channel> <text>         Send a group message")
	fmt.Fprintln(os.Stderr, "  react|unreact <message> <emoji>     Add or remove a reaction")
	fmt.Fprintln(os.Stderr, "  retry <id>                          Retry a failed message")
	fmt.Fprintln(os.Stderr, "  cancel <id>                         Cancel a pending message")
	fmt.Fprintln(os.Stderr, "  pending [channel]                   List pending messages")
	fmt.Fprintln(os.Stderr, "  chats [--force] [--all]             Show the chat list")
	fmt.Fprintln(os.Stderr, "  messages <channel>                  Show message history")
	fmt.Fprintln(os.Stderr, "  pin|archive <channel>               Toggle a chat preference")
	fmt.Fprintln(os.Stderr, "  mute <channel> [duration]           Toggle mute, optionally for a while")
	fmt.Fprintln(os.Stderr, "  open|close <channel>                Mark a chat as open or closed")
	fmt.Fprintln(os.Stderr, "  upload <user> <file>                Encrypt and upload an attachment")
	fmt.Fprintln(os.Stderr, "  code <user> [png-path]              Show your verification QR code")
	fmt.Fprintln(os.Stderr, "  verify <qr-payload>                 Verify a scanned QR code")
	fmt.Fprintln(os.Stderr, "  verified                            List verified users")
	fmt.Fprintln(os.Stderr, "  sync                                Run a delta sync now")
	fmt.Fprintln(os.Stderr, "  watch [namespace]                   Stream daemon events")
	fmt.Fprintln(os.Stderr, "  profiles                            List known profiles")
}

type runner struct {
	ctx  context.Context
	c    *api.Client
	json bool
}

func (r runner) call(method string, req map[string]any) map[string]any {
	resp, err := r.c.Call(r.ctx, method, req)
	if err != nil {
		fail(err)
	}
	return resp
}

// print writes resp as JSON, or as sorted key/value lines.
func (r runner) print(resp map[string]any) {
	if r.json {
		outputJSON(resp)
		return
	}
	for _, k := range sortedKeys(resp) {
		fmt.Printf("%-16s %v\n", k+":", resp[k])
	}
}

func (r runner) status() {
	resp := r.call("Status", nil)
	if r.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile: %s\n", resp["profile"])
	fmt.Printf("Status:  %s", resp["state"])
	if d, _ := resp["detail"].(string); d != "" {
		fmt.Printf(" (%s)", d)
	}
	fmt.Println()
	if u, ok := resp["user_id"]; ok {
		fmt.Printf("User:    %v (%v)\n", u, resp["user_name"])
	}
	fmt.Printf("Online:  %v\n", resp["online"])
	fmt.Printf("Pending: %v (queued %v, failed %v)\n", resp["pending"], resp["queued"], resp["failed"])
	fmt.Printf("Uptime:  %vms\n", resp["uptime_ms"])
}

func (r runner) online(mode string) {
	req := map[string]any{}
	switch mode {
	case "on":
		req["online"] = true
	case "off":
		req["online"] = false
	case "auto":
		req["auto"] = true
	default:
		fail(fmt.Errorf("unknown mode %q", mode))
	}
	r.print(r.call("SetOnline", req))
}

func (r runner) sent(resp map[string]any) {
	if r.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("%s %s\n", resp["outcome"], resp["id"])
}

func (r runner) pending(resp map[string]any) {
	if r.json {
		outputJSON(resp)
		return
	}
	list, _ := resp["messages"].([]any)
	if len(list) == 0 {
		fmt.Println("No pending messages.")
		return
	}
	for _, item := range list {
		m := item.(map[string]any)
		line := fmt.Sprintf("%-36s %-10s %-20s %s", m["id"], m["state"], m["channel_id"], m["content"])
		if e, ok := m["error"]; ok {
			line += fmt.Sprintf("  [%v: %v]", m["error_kind"], e)
		}
		fmt.Println(line)
	}
}

func (r runner) chats(resp map[string]any) {
	if r.json {
		outputJSON(resp)
		return
	}
	list, _ := resp["chats"].([]any)
	if len(list) == 0 {
		fmt.Println("No chats found.")
	}
	for _, item := range list {
		c := item.(map[string]any)
		marks := ""
		if f, ok := c["flags"].(map[string]any); ok {
			if f["pinned"] == true {
				marks += "P"
			}
			if f["archived"] == true {
				marks += "A"
			}
		}
		if c["muted"] == true {
			marks += "M"
		}
		preview := ""
		if lm, ok := c["last_message"].(map[string]any); ok {
			preview, _ = lm["preview"].(string)
		}
		fmt.Printf("%-3s %-24s %-20v %3v  %s\n", marks, c["channel_id"], c["title"], c["unread"], preview)
	}
	if e, ok := resp["error"]; ok {
		fmt.Fprintf(os.Stderr, "showing cached list: %v\n", e)
	}
}

func (r runner) messages(resp map[string]any) {
	if r.json {
		outputJSON(resp)
		return
	}
	list, _ := resp["messages"].([]any)
	for _, item := range list {
		m := item.(map[string]any)
		at := ""
		if ms, ok := m["created_at"].(float64); ok {
			at = time.UnixMilli(int64(ms)).Format("2006-01-02 15:04")
		}
		fmt.Printf("%s  %-12v %v\n", at, m["sender_id"], m["content"])
	}
	if e, ok := resp["error"]; ok {
		fmt.Fprintf(os.Stderr, "showing cached history: %v\n", e)
	}
}

func (r runner) toggle(args []string) {
	req := map[string]any{"channel_id": args[1]}
	method := map[string]string{"pin": "TogglePin", "archive": "ToggleArchive", "mute": "ToggleMute"}[args[0]]
	if args[0] == "mute" && len(args) > 2 {
		d, err := time.ParseDuration(args[2])
		if err != nil {
			fail(err)
		}
		req["until"] = time.Now().Add(d).UnixMilli()
	}
	r.print(r.call(method, req))
}

func (r runner) upload(recipient, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fail(err)
	}
	r.print(r.call("UploadAttachment", map[string]any{
		"recipient_id": recipient,
		"name":         filepath.Base(path),
		"data":         base64.StdEncoding.EncodeToString(data),
	}))
}

func (r runner) code(args []string) {
	resp := r.call("MyVerificationCode", map[string]any{"user_id": args[1]})
	if len(args) > 2 {
		png, err := base64.StdEncoding.DecodeString(resp["png"].(string))
		if err != nil {
			fail(err)
		}
		if err := os.WriteFile(args[2], png, 0600); err != nil {
			fail(err)
		}
	}
	if r.json {
		delete(resp, "png")
		outputJSON(resp)
		return
	}
	fmt.Println(resp["text"])
	fmt.Printf("Safety number: %s\n", resp["safety_number"])
}

func (r runner) verify(payload string) {
	resp := r.call("VerifyQRCode", map[string]any{"data": payload})
	if r.json {
		outputJSON(resp)
		return
	}
	if resp["verified"] == true {
		fmt.Printf("Verified %s\n", resp["user_id"])
		return
	}
	fmt.Printf("Not verified: %s\n", resp["reason"])
	os.Exit(2)
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	namespace := ""
	if len(args) > 0 {
		namespace = args[0]
	}
	err := c.WatchEvents(context.Background(), namespace, func(evt map[string]any) error {
		if jsonOut {
			line, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			return nil
		}
		fmt.Printf("%-20s %v\n", evt["kind"], evt["payload"])
		return nil
	})
	if err != nil {
		fail(err)
	}
}

func cmdProfiles(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
	if err != nil && !os.IsNotExist(err) {
		fail(err)
	}
	type entry struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Running bool   `json:"daemon_running"`
	}
	var list []entry
	for _, e := range entries {
		if !e.IsDir() || profile.ValidateName(e.Name()) != nil {
			continue
		}
		_, sockErr := os.Stat(profile.SocketPath(e.Name()))
		list = append(list, entry{Name: e.Name(), Path: profile.Dir(e.Name()), Running: sockErr == nil})
	}
	if jsonOut {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, p := range list {
		running := "stopped"
		if p.Running {
			running = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, running)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: parleyctl %s\n", usage)
		os.Exit(1)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
