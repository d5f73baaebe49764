// Package main provides the tunnel CLI.
//
// tunnel ingests lidar scan messages for monitored tunnel sections, keeps
// each structure's baseline and anomaly deltas on disk, and rebuilds or
// compares historical scenes from them.
//
// Usage:
//
//	tunnel ingest scans/*.json
//	tunnel watch --inbox /var/spool/tunnel
//	tunnel reconstruct --device lidar-01 --at 2024-03-05T09:30:00Z
//
// See --help for all available options.
package main

func main() {
	Execute()
}
