// Package conjunction provides the business boundary for Perigee's close-approach
// tracking. It defines the Service (screening runs, CDM ingest, lifecycle), the
// Deduplicator (event matching), the Store interface (persistence), and the
// domain models.
package conjunction
