// Package artifacts stores configuration snapshots and serves the firmware
// catalog from the local artifact root.
//
// Layout under the root:
//
//	configs/objects/ab/abcdef...      snapshot content, named by its SHA-256
//	configs/devices/<region>/<site>/<hostname>.conf   latest snapshot per device
//	firmware/<major>.x/*.tgz          installable images
//
// Snapshots are immutable and content addressed, so saving identical content
// twice yields the same token and Read returns exactly the saved bytes.
package artifacts
