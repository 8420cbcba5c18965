// Package failure classifies pipeline errors as retryable or permanent.
package failure
