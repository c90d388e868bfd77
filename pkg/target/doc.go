/*
Package target binds a container runtime to the host it runs on.

A local target drives the Docker API or containerd directly. A remote
target drives the docker CLI through an SSH executor, so resolution,
decisions, rollout and health verification run on the controller and only
container commands cross the connection.

Stage places what a rollout needs on the host. Secret bundles only ever
exist as 0600 files, and Staged.Release removes them; callers defer it
right after a successful Stage.
*/
package target
