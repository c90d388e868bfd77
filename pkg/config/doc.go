/*
Package config loads rollout.yaml, the single file that describes a
project: its services, the environments it deploys to, the target host and
runtime, where secrets and registry credentials come from, and the health
policy.

	project: leads
	environments: [dev, prd]
	target:
	  kind: ssh
	  ssh: {host: vps.example.com, user: deploy, identityFile: ~/.ssh/deploy}
	secrets:
	  provider: doppler
	services:
	  - name: miner
	    image: ghcr.io/acme/lead-miner
	    envBundle: leads

Load applies defaults before validating and reports every problem found,
not just the first. Durations use Go syntax ("30s", "10m").
*/
package config
