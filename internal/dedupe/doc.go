// Package dedupe provides an in-flight guard so that two deliveries of the
// same envelope are never processed concurrently within one worker.
package dedupe
