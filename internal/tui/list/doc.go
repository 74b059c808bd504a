// Package listview provides a virtually scrolled list for Bubble Tea views whose items
// grow while the user scrolls. Only the rows in the viewport (plus a small buffer) are
// rendered, and NearEnd tells the owner when to fetch the next page.
package listview
