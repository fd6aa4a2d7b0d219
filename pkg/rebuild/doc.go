/*
Package rebuild turns a node into a streaming standby of a given primary.

A rebuild runs six steps in order and stops at the first failure:

	stop                 Control.Stop
	clear_data           remove everything inside the data directory
	base_backup          pg_basebackup -X stream -R from the primary
	write_standby_marker touch <data_dir>/standby.signal
	start                Control.Start
	verify               settle, then poll until the node reports standby

Every step is recorded in the Outcome with its duration and, on failure, its
exit code and error. Nothing is rolled back and nothing is retried: a
half-copied data directory must be cleared again before another base backup,
so a failed rebuild is left for an operator. Callers that want another attempt
call Rebuild again from the start.

The base backup gets the longest timeout (10 minutes by default); exec steps
get 10 seconds and stop/start get a minute.
*/
package rebuild
