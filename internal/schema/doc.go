// Package schema defines the entity records kept by the local store.
//
// # Overview
//
// Every record is an Entity envelope carrying bookkeeping (version, sync
// status, tombstone flag) around a typed payload. Payloads form a closed set,
// one struct per EntityType:
//
//   - workspace - Workspace
//   - task      - Task
//   - file      - File
//
// # Wire Format
//
// Entities serialize as flat JSON objects with the payload nested under
// "payload":
//
//	{
//	  "type": "task",
//	  "id": "T1",
//	  "version": 3,
//	  "serverVersion": 2,
//	  "lastModified": "2026-01-10T07:36:29Z",
//	  "syncStatus": "pending",
//	  "isDeleted": false,
//	  "payload": {"title": "Ship report", "status": "pending", ...}
//	}
//
// Decoding is strict: unknown payload fields are rejected with
// ErrUnknownField rather than carried along silently.
//
// # Field Maps
//
// Conflict detection and resolution work on field maps (json field name to
// canonical JSON value). Fields, FieldNames and FromFields convert between a
// payload and its field map; field order always follows the payload struct.
package schema
