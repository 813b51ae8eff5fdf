// Package manifest implements atomic manifest persistence for table backups.
//
// # Overview
//
// A manifest describes one backup: the table it was taken from, the backup
// name it lives under in the blob store, and the size and CRC32C of every
// file that belongs to it. Restore trusts nothing that is not listed in a
// committed manifest.
//
// # Binary Format
//
// Manifests are stored in a compact binary format with integrity checking:
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - 0x53454754 ("SEGT")
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32C of payload
//	  Length   (4 bytes) - Payload length in bytes
//
//	Payload:
//	  ID        (8 bytes)  - Manifest version ID
//	  CreatedAt (8 bytes)  - Unix nanoseconds
//	  BackupID  (16 bytes) - Random backup UUID
//	  TableID   (16 bytes) - Table UUID from dbmeta.json
//	  Name      (string)   - Backup name, the blob prefix of its files
//	  Rows      (8 bytes)  - Row count at backup time
//	  NumFiles  (4 bytes)
//	  Files[]              - Path (string), Size (8 bytes), CRC32C (4 bytes)
//
// Strings are length-prefixed (2-byte length + bytes).
//
// # Atomic Protocol
//
// Save follows a two-phase commit protocol:
//
//  1. Write the manifest blob to <name>/MANIFEST-NNNNNN.bin
//  2. Update the CURRENT pointer to reference the new manifest
//
// On local filesystems step 2 is an atomic rename. Wrapping the data store
// in a DynamoDB commit store turns step 2 into a conditional write, so two
// concurrent backups cannot both claim the same version.
//
// # Thread Safety
//
// All Store methods are protected by a mutex and safe for concurrent use
// within one process.
package manifest
