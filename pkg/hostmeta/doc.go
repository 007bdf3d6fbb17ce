/*
Package hostmeta watches the host metadata service for imminent
termination of the worker host.

The monitor speaks the token-based (IMDSv2-style) protocol: it PUTs for
a 10-second token and then polls, once a second, the spot
instance-action document and the autoscaling target lifecycle state. A
spot notice carries an explicit termination instant, so the drain grace
is the time remaining until it; a lifecycle Terminated state has no
deadline and gets a fixed two-minute grace.

Hosts without a reachable metadata service (anything that is not a
cloud instance, or instances with metadata disabled) are detected on
the first token request and monitoring is skipped.
*/
package hostmeta
