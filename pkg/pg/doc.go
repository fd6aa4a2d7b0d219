/*
Package pg is pgwarden's PostgreSQL knowledge: the pgx-backed Query Channel
(Dialer, Session) and the Layout that turns role changes into server commands.

Dialer opens one short-lived connection per probe, bounded by a connect timeout
(3s by default), and answers three questions:

	SELECT pg_is_in_recovery()              -- standby or primary
	SELECT pg_current_wal_lsn()::text       -- primary write position
	SELECT pg_last_wal_receive_lsn()::text  -- standby received position

Layout owns every path inside a node's data directory. There is exactly one
standby marker location, <DataDir>/standby.signal, and every command that reads
or writes data runs as the postgres OS user:

	layout := pg.DefaultLayout()
	cmd := layout.BaseBackup(primary, creds) // pg_basebackup -X stream -R
	res, err := control.Exec(ctx, node, cmd, 10*time.Minute)
*/
package pg
