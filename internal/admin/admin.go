// Package admin defines the textual admin command surface named in
// spec.md §6: a command dispatcher normally invoked via a privileged
// local room. Only the interface boundary and the command-line parsing
// are implemented here — actual subcommand execution is an external
// collaborator (appservice registry, user store, room store, the
// running process itself) this package never touches, matching the
// teacher's split between `clientapi/routing`'s thin HTTP handlers and
// the userapi/roomserver implementations they call into.
package admin

import (
	"context"
	"fmt"
	"strings"
)

// Result is the message-event-shaped output of a dispatched command:
// the body of the m.room.message reply the admin room would see.
type Result struct {
	Body string
	// Code classifies the outcome the way the CLI's exit codes do:
	// 0 success, non-zero by top-level error kind. A failed Dispatcher
	// call reports its error through the (Result, error) return instead;
	// Code is for commands that complete but report a non-zero status
	// (e.g. a check command that found integrity problems).
	Code int
}

// Command is one parsed admin-room invocation: a category, an action
// within it, positional arguments, and an optional fenced code block
// carried as a larger argument payload (e.g. an appservice registration
// YAML document, or a raw database query).
type Command struct {
	Category string
	Action   string
	Args     []string
	Payload  string
}

// ParseCommand extracts a Command from one admin-room message body.
// The first line is whitespace-separated "category action arg...";
// a fenced code block (```...```) anywhere in the remaining input, if
// present, becomes Payload with its language tag (if any) stripped.
func ParseCommand(input string) (Command, error) {
	lines := strings.SplitN(strings.TrimSpace(input), "\n", 2)
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return Command{}, fmt.Errorf("admin: command requires a category and an action, got %q", lines[0])
	}

	cmd := Command{Category: fields[0], Action: fields[1], Args: fields[2:]}
	if len(lines) > 1 {
		payload, err := extractFencedBlock(lines[1])
		if err != nil {
			return Command{}, err
		}
		cmd.Payload = payload
	}
	return cmd, nil
}

// extractFencedBlock returns the content of the first ``` fenced code
// block in body, or "" if none is present.
func extractFencedBlock(body string) (string, error) {
	start := strings.Index(body, "```")
	if start == -1 {
		return "", nil
	}
	afterOpen := body[start+3:]
	if nl := strings.IndexByte(afterOpen, '\n'); nl != -1 {
		afterOpen = afterOpen[nl+1:]
	}
	end := strings.Index(afterOpen, "```")
	if end == -1 {
		return "", fmt.Errorf("admin: unterminated fenced code block")
	}
	return strings.TrimRight(afterOpen[:end], "\n"), nil
}

// Dispatcher is the full admin subcommand surface named in spec.md §6.
// A concrete implementation wires each method to the real subsystem
// it administers; none is provided here, per the spec's framing of the
// admin surface as external to the core.
type Dispatcher interface {
	AppserviceRegister(ctx context.Context, registrationYAML string) (Result, error)
	AppserviceUnregister(ctx context.Context, id string) (Result, error)
	AppserviceList(ctx context.Context) (Result, error)

	UserCreate(ctx context.Context, localpart, password string) (Result, error)
	UserDeactivate(ctx context.Context, userID string) (Result, error)
	UserResetPassword(ctx context.Context, userID, newPassword string) (Result, error)

	RoomList(ctx context.Context) (Result, error)
	RoomDisable(ctx context.Context, roomID string) (Result, error)
	RoomEnable(ctx context.Context, roomID string) (Result, error)
	RoomModerate(ctx context.Context, roomID, action string) (Result, error)

	FederationDisableRoom(ctx context.Context, roomID string) (Result, error)
	FederationEnableRoom(ctx context.Context, roomID string) (Result, error)
	FederationIncoming(ctx context.Context, server string) (Result, error)
	FederationFetchSupportWellKnown(ctx context.Context, server string) (Result, error)

	ServerShowConfig(ctx context.Context) (Result, error)
	ServerMemoryUsage(ctx context.Context) (Result, error)
	ServerBackup(ctx context.Context, destPath string) (Result, error)
	ServerShutdown(ctx context.Context) (Result, error)
	ServerReload(ctx context.Context) (Result, error)

	DatabaseQuery(ctx context.Context, query string) (Result, error)

	CheckIntegrity(ctx context.Context, scope string) (Result, error)
}

// Dispatch routes a parsed Command to the matching Dispatcher method,
// the narrow piece of actual wiring between the text grammar and the
// subcommand surface.
func Dispatch(ctx context.Context, d Dispatcher, cmd Command) (Result, error) {
	arg := func(i int) string {
		if i < len(cmd.Args) {
			return cmd.Args[i]
		}
		return ""
	}

	switch cmd.Category {
	case "appservice":
		switch cmd.Action {
		case "register":
			return d.AppserviceRegister(ctx, cmd.Payload)
		case "unregister":
			return d.AppserviceUnregister(ctx, arg(0))
		case "list":
			return d.AppserviceList(ctx)
		}
	case "user":
		switch cmd.Action {
		case "create":
			return d.UserCreate(ctx, arg(0), arg(1))
		case "deactivate":
			return d.UserDeactivate(ctx, arg(0))
		case "reset-password":
			return d.UserResetPassword(ctx, arg(0), arg(1))
		}
	case "room":
		switch cmd.Action {
		case "list":
			return d.RoomList(ctx)
		case "disable":
			return d.RoomDisable(ctx, arg(0))
		case "enable":
			return d.RoomEnable(ctx, arg(0))
		case "moderate":
			return d.RoomModerate(ctx, arg(0), arg(1))
		}
	case "federation":
		switch cmd.Action {
		case "disable-room":
			return d.FederationDisableRoom(ctx, arg(0))
		case "enable-room":
			return d.FederationEnableRoom(ctx, arg(0))
		case "incoming":
			return d.FederationIncoming(ctx, arg(0))
		case "fetch-support-well-known":
			return d.FederationFetchSupportWellKnown(ctx, arg(0))
		}
	case "server":
		switch cmd.Action {
		case "show-config":
			return d.ServerShowConfig(ctx)
		case "memory-usage":
			return d.ServerMemoryUsage(ctx)
		case "backup":
			return d.ServerBackup(ctx, arg(0))
		case "shutdown":
			return d.ServerShutdown(ctx)
		case "reload":
			return d.ServerReload(ctx)
		}
	case "database":
		if cmd.Action == "query" {
			return d.DatabaseQuery(ctx, cmd.Payload)
		}
	case "check":
		return d.CheckIntegrity(ctx, cmd.Action)
	}

	return Result{}, fmt.Errorf("admin: unknown command %q %q", cmd.Category, cmd.Action)
}
