/*
Package executor applies a set of restart decisions to a container runtime.

A rollout is executed in four steps, always in this order:

 1. Pull the desired image of every service, unchanged ones included. The
    first failure aborts with a *types.PullError before anything running is
    touched.
 2. Stop and remove every instance of each restarted service. Failures are
    collected as warnings.
 3. Sweep orphans: project containers that carry a service's name (exited
    leftovers, replica-suffixed names) but were not attributed to it.
 4. Start the services one at a time in manifest order. Unchanged services
    are only re-ensured running. A failed start does not stop the loop; the
    failures are returned together as types.ServiceErrors.

Only services that reference an env bundle receive the secret bundle.
*/
package executor
