/*
Package health verifies that freshly started containers stay up.

Each target goes through the same states:

	Starting ──InitialDelay──▶ Polling ──StableReads good reads──▶ Healthy
	                             │
	                             ├── container exited ──────────▶ Unhealthy
	                             ├── MaxAttempts reads used ────▶ Unhealthy
	                             └── context done ──────────────▶ Unhealthy

A read is good when the runtime reports the container running and, if the
service declares one, its HTTP or TCP probe passes. A bad read resets the
streak.

Every unhealthy verdict carries the last LogTailLines lines of the
container's output. The logs are fetched with a context detached from the
rollout so an expired deadline does not prevent the capture.

Targets are verified with errgroup, Parallelism at a time; the default of
one verifies them sequentially. Verify returns one verdict per target in
input order.

Probes:

	HTTPChecker  GET the endpoint, 200-399 is healthy
	TCPChecker   open and close a connection
*/
package health
