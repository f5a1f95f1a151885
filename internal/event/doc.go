// Package event carries outbound notifications from the onboarding and
// lifecycle components to the control surface.
//
// Every event is scoped to exactly one user and renders its own
// notification text, so subscribers never need to know which component
// produced it. Event type names follow "category.action":
//
//	auth.code_requested      prompt for the login code
//	auth.password_requested  prompt for the two-step secret
//	auth.retry               a rejected submission, attempts remain
//	auth.succeeded           credential stored
//	auth.failed              terminal onboarding failure
//	instance.started
//	instance.stopped
//	instance.suspended       idle reaper put the userbot to sleep
//	instance.deauthorized    platform revoked the session
//
// An [Inbox] buffers notifications per user for pull-based delivery.
package event
