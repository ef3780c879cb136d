package config

// Template is the config.yaml written by "steward init".
const Template = `# steward configuration
interval: 60s
log_level: info

# Rule documents, relative to this directory. Globs are allowed.
rules:
  - rules/*.md

# Tool names used in action commands ("[gmail]" or a leading "gmail").
tools: {}
#  gmail: /usr/local/bin/gmail-cli

# Action bindings, tried in order. "*" captures into $1, $2, ...
actions: {}
#  archive-*: "gmail archive $1"

# Where records come from, besides recent activity.
sources: []
#  - name: inbox
#    type: command
#    command: gmail list --json
#  - name: issues
#    type: sqlite
#    path: issues.db
#    query: SELECT id, title, updated_at FROM issues

activity_window: 24h
dedupe_window: 24h
watch: true

# Mirror events to a Redis stream.
redis:
  url: ""
  stream: steward_events
`

// ExampleRules is the rule document written by "steward init".
const ExampleRules = `# Example rules

Each "##" section is a rule. Rules without an Action: line are ignored.

## Archive newsletters
Conditions:
- sender contains "newsletter"
- sender domain in [promo.*, marketing.*]
Action: archive-{id}
Approval: queue
Priority: 10
`
