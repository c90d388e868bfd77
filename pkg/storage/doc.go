/*
Package storage keeps the history of rollouts in a BoltDB file,
<stateDir>/rollout.db.

	deployments   record ID -> JSON DeploymentRecord
	timeline      "<started_at unix nanos>|<id>" -> record ID

The timeline bucket is ordered by start time, so history is read newest
first with a reverse cursor walk.

Only finalized records are stored. bbolt takes an exclusive file lock while
the database is open; a second rollout against the same state directory
fails with ErrLocked after the lock timeout instead of running concurrently.
*/
package storage
