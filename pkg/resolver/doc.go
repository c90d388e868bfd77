// Package resolver maps manifest image names and an environment label to
// canonical references and registry digests.
//
// The digest always comes from the registry's tag listing (the same
// manifest digest a push reports), never from a local image, so it is
// comparable with the repo digests the runtimes report for running
// containers.
package resolver
