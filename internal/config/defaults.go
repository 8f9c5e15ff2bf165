package config

// DefaultConfigYAML is the configuration written by `deepinsight config init`.
const DefaultConfigYAML = `# deepinsight configuration
#
# Values not specified here use the built-in defaults.
# Every key can be overridden with DEEPINSIGHT_<SECTION>_<KEY>.

log:
  level: info
  format: auto # auto, text, json

server:
  host: localhost
  port: 8080
  cors_origins: ["*"]
  shutdown_timeout: 10s

# Human review of generated plans.
approval:
  poll_interval: 3s
  timeout: 300s        # auto-approve after this long without feedback
  max_revisions: 10    # auto-approve once this many revisions were requested
  keepalive_every: 2   # emit a keepalive every N empty polls
  key_prefix: deep-insight

# Where reviewers drop feedback: memory, sqlite, redis, s3, file
mailbox:
  backend: memory
  path: .deepinsight/mailbox.db
  dir: .deepinsight/mailbox
  redis_addrs: [localhost:6379]
  s3_bucket: ""
  s3_region: us-east-1

# Remote code execution workers: static, docker, process
session:
  provisioner: static
  idle_threshold: 10m
  reap_interval: 1m
  provision_ceiling: 60s
  probe_interval: 2s
  execute_timeout: 300s
  retry_attempts: 3
  static_workers:
    - http://localhost:8000
  docker_image: ""
  docker_port: 8000

worker:
  request_timeout: 30s

# Agent provider: scripted, openai, anthropic, ollama
# API keys are read from DEEPINSIGHT_AGENTS_API_KEY.
agents:
  provider: scripted
  model: ""
  temperature: 0.2
  max_tool_iterations: 8

store:
  backend: memory # memory, sqlite
  path: .deepinsight/requests.db

events:
  retention: 10m
`
