/*
Package types defines the shared data model of the conversation fabric:
session keys, raw messages, logical turns, side-effect records, supersede
decisions, the canonical event envelope and the structured error type.

All packages in this module communicate through these types. The package
carries no behavior beyond validation and cheap derivations, so it stays
dependency-light and importable from everywhere.
*/
package types
