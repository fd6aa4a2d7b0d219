package pg

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/types"
)

const (
	// DefaultDataDir is the data directory of the official postgres image
	DefaultDataDir = "/var/lib/postgresql/data"

	// DefaultOSUser owns the data directory and runs server tools
	DefaultOSUser = "postgres"

	// StandbySignalFile makes a server start in standby mode
	StandbySignalFile = "standby.signal"
)

// Layout describes where a node keeps its data and how server tools are
// invoked. It is the single source of every data-directory path pgwarden
// touches, so the standby marker always lands in <DataDir>/standby.signal.
type Layout struct {
	DataDir string
	BinDir  string // empty means the tools are on PATH
	OSUser  string
}

// DefaultLayout returns the layout of the official postgres image
func DefaultLayout() Layout {
	return Layout{DataDir: DefaultDataDir, OSUser: DefaultOSUser}
}

// StandbyMarkerPath is the canonical location of the standby marker
func (l Layout) StandbyMarkerPath() string {
	return path.Join(l.dataDir(), StandbySignalFile)
}

// WriteStandbyMarker makes the next server start come up as a standby
func (l Layout) WriteStandbyMarker() channel.Command {
	return l.asOSUser(channel.OpWriteStandbyMarker, "touch "+quote(l.StandbyMarkerPath()))
}

// ResumeReplay resumes WAL replay in case it was paused; harmless otherwise
func (l Layout) ResumeReplay() channel.Command {
	return l.asOSUser(channel.OpResumeReplay,
		l.tool("psql")+" -d postgres -Atc "+quote("SELECT pg_wal_replay_resume()"))
}

// Promote asks a standby to finish recovery and start accepting writes
func (l Layout) Promote() channel.Command {
	return l.asOSUser(channel.OpPromote, l.tool("pg_ctl")+" promote -w -D "+quote(l.dataDir()))
}

// IsReady checks whether the local server accepts connections. pg_isready
// exits 0 when it does, 1 while it rejects them and 2 when nothing answers.
func (l Layout) IsReady() channel.Command {
	return l.asOSUser(channel.OpIsReady, l.tool("pg_isready")+" -q -d postgres")
}

// ClearData removes everything inside the data directory, keeping the
// directory itself so mounts and ownership survive
func (l Layout) ClearData() channel.Command {
	return l.asOSUser(channel.OpClearData, "find "+quote(l.dataDir())+" -mindepth 1 -delete")
}

// BaseBackup streams a full physical copy of primary into the data directory
// and writes the replication connection settings (-R) for the new standby.
// The password travels in the environment, never on the command line.
func (l Layout) BaseBackup(primary *types.Node, creds Credentials) channel.Command {
	port := primary.Port
	if port == 0 {
		port = DefaultPort
	}
	script := strings.Join([]string{
		l.tool("pg_basebackup"),
		"-h", quote(primary.Host),
		"-p", strconv.Itoa(port),
		"-U", quote(creds.User),
		"-D", quote(l.dataDir()),
		"-X", "stream",
		"-R", "-w",
	}, " ")

	cmd := l.asOSUser(channel.OpBaseBackup, script)
	if creds.Password != "" {
		cmd.Env = append(cmd.Env, "PGPASSWORD="+creds.Password)
	}
	return cmd
}

func (l Layout) asOSUser(op channel.Op, script string) channel.Command {
	user := l.OSUser
	if user == "" {
		user = DefaultOSUser
	}
	return channel.Command{
		Op:   op,
		Args: []string{"su", user, "-s", "/bin/sh", "-c", script},
	}
}

func (l Layout) tool(name string) string {
	if l.BinDir == "" {
		return name
	}
	return path.Join(l.BinDir, name)
}

func (l Layout) dataDir() string {
	if l.DataDir == "" {
		return DefaultDataDir
	}
	return path.Clean(l.DataDir)
}

// quote wraps s in single quotes for /bin/sh
func quote(s string) string {
	return fmt.Sprintf("'%s'", strings.ReplaceAll(s, "'", `'\''`))
}
