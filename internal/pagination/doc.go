// Package pagination loads cursor-paginated collections into the entity store.
//
// The Engine owns the loading side of every collection view:
//   - LoadInitial resets a collection and fetches its first page
//   - LoadMore fetches the next page with the stored cursor and appends new identities
//   - TriggerVisible turns viewport position into LoadMore calls (infinite scroll)
//
// End of collection is taken only from the service's explicit hasMore flag or an empty
// cursor, never inferred from a short page. Every reset bumps the collection's generation;
// pages fetched for an older generation are discarded when they arrive.
package pagination
