/*
Package attachments defines the interface to the attachment engine: the
external subsystem performing content-addressed file synchronization
between the queue's bucket and a session's working directory.

The agent core depends only on the Engine interface. Input syncs report
progress through a callback that can cancel the transfer (the session
uses this for its low-transfer-rate watchdog) and return the path
mapping rules for the attachment roots; output syncs run after a task
succeeds and upload files produced under the session directory.
*/
package attachments
