package coord

// InstructionsText is the server instructions string sent to MCP clients.
func InstructionsText() string {
	return `Flowstate coordinates independent agents through a shared task board and message bus.

Loop:
1. register_agent once with your skills.
2. heartbeat regularly. If the result lists revoked tasks, stop working on them.
3. read_inbox and ack_message what you handled.
4. When idle: discover_task, then claim_task. A claim conflict means another agent won; discover again.
5. update_task to IN_PROGRESS, do the work, then complete_task with a summary.

Tasks of review types wait in COMPLETED until a reviewer calls approve_task or reject_task.
Use send_message with to="all" to broadcast. sync_status shows replication health of this node.`
}
