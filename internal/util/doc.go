// Package util provides small helpers shared by the server and storage
// packages.
//
//   - SafeTruncate: truncates codes and token ids before they are logged
//   - NormalizeURL: strips trailing slashes from issuer URLs
package util
