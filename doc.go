// Package mesovr coordinates a multi-machine Mesoscope-VR data-acquisition rig
// and manages the lifecycle of the acquired data from acquisition through
// compression, checksum-verified transfer, and staged deletion.
//
// The module is organized as a set of cooperating packages:
//
//   - runtime: the per-session state machine that synchronizes hardware
//     modules, the external task renderer, and the imaging device.
//   - hardware: per-device protocol adapters and the controller hub that owns
//     all hardware state mutation.
//   - renderer: MQTT pub/sub channel to the external task renderer.
//   - datalog: shared-timebase binary event logging and log compaction.
//   - session: the session directory tree data model, descriptors, and the
//     marker-file deletion protocol.
//   - compression: recompression of multi-page image stacks and event logs.
//   - checksum, transfer: content-addressed integrity verification and
//     resumable multi-destination directory transfer.
//   - lifecycle: the idempotent end-of-session preprocessing pipeline and the
//     explicit purge operation.
package mesovr
