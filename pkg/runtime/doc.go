/*
Package runtime provides the container runtimes rollout drives and the
inspector that maps running containers back to manifest services.

Three implementations share the Runtime interface:

	┌────────────────────── RUNTIMES ──────────────────────┐
	│                                                        │
	│  Docker       Docker Engine API (docker/docker SDK)    │
	│               local daemon or DOCKER_HOST              │
	│                                                        │
	│  Containerd   containerd client, "rollout" namespace   │
	│               host networking, per-container log file  │
	│                                                        │
	│  DockerCLI    docker CLI run through an executil       │
	│               Executor; used for SSH targets           │
	└────────────────────────────────────────────────────────┘

Each one also implements LookupDigest, the registry tag listing used by the
resolver, so the digest of the desired image and the digest of a running
container come from the same registry manifest.

# Naming

Containers are named "<project>-<service>" and labelled with
rollout.project and rollout.service. The inspector attributes a running
container to a service by label or by exact name. Containers matching the
name with a replica suffix ("-1", "_2") are not attributed; the executor
treats them as orphans.

# Digests

Inspect reports the repo digest of the container's image when the image was
pulled from a registry (DigestSourceRegistry) and the local image ID
otherwise (DigestSourceImageID). Digests from different sources are never
compared.

# Containerd limits

Containerd containers share the host network, so Start refuses services
with port mappings; config validation reports them earlier. Restart
policies become containerd.io/restart.* labels, honored only when the
restart monitor plugin is enabled on the host. Stop clears those labels
so the monitor does not revive a container being replaced.

# Logs

Docker and DockerCLI read logs from the daemon. Containerd tasks write to
<logDir>/<id>.log, which Logs tails.

# Testing

Package runtimetest provides a stateful in-memory Runtime that records every
call, used by the executor, health and deploy tests.
*/
package runtime
