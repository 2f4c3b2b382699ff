// SPDX-License-Identifier: MIT

package registry

import "errors"

var (
	// ErrAliasNotFound is returned by Resolve for an alias with no entry.
	ErrAliasNotFound = errors.New("registry: alias not found")

	// ErrInvalidAlias is returned for empty aliases.
	ErrInvalidAlias = errors.New("registry: invalid alias")

	// ErrTableNotDisabled is returned by Collect when the store keeps
	// reporting the table enabled after the retry budget is spent.
	ErrTableNotDisabled = errors.New("registry: table never reported disabled")
)
