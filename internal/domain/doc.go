// Package domain models the Burning Man directory data kept for offline use.
//
// # Record Types
//
// Three record types are synced, each partitioned by event year:
//
//	camp   theme camps, published as camps.json
//	art    art installations, published as art.json
//	event  scheduled events, published as events.json
//
// Records are semi-structured JSON documents. Only two fields are relied on
// by the sync machinery: "uid" (unique within a type/year partition) and
// "year" (stamped as an integer during ingestion, whatever the source sent).
// Everything else is passed through untouched so new upstream fields survive
// a sync without code changes.
//
// # Source Response Shapes
//
// The directory API and the static data files disagree on envelope shape.
// A response body is accepted as one of:
//
//	[ {...}, ... ]                 bare array
//	{ "data": [ {...}, ... ] }     data envelope
//	{ "<type>": [ {...}, ... ] }   type-keyed envelope, e.g. {"camp": [...]}
//
// Anything else is rejected as DATA_ERROR. See [ParseRecords].
//
// # Event Enrichment
//
// Events usually point at a host instead of carrying a location. Enrichment
// joins each event to its host for the same year and copies the host's
// location into "enriched_location":
//
//	hosted_by_camp  -> camp.location_string, camp.name -> camp_name
//	hosted_by_art   -> art.location_string,  art.name  -> art_name
//	located_at_art  -> same as hosted_by_art
//
// A host without location_string falls back to its structured location
// ("<frontage> & <intersection>"). An event without a resolvable host falls
// back to its own "other_location". Events that already carry a location are
// left alone, which makes enrichment idempotent. See [EnrichEvents].
//
// # Error Kinds
//
// Failures crossing a component boundary are [*Error] values carrying a
// [Kind] for programmatic branching and a short user-facing message.
// NO_DATA is benign (a year not yet published); AUTH_ERROR and SYNC_FAILED
// need attention.
package domain
