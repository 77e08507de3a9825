// Package store persists the tenant registry and per-tenant
// configuration (anti-ban settings, schedules, content source).
//
// Semantics are load/save-by-tenant-id with last-write-wins overwrite;
// there is no versioning or migration. Two drivers exist: "file" keeps
// one JSON document per tenant (the layout the web layer also reads),
// "sqlite" keeps the same documents in a single database file.
package store
