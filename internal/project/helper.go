package project

import (
	"fmt"
	"os"
	"path/filepath"
)

// discodeSendSource is the per-project helper agents call to push text or
// files to their channel. Project name and port are baked in so hooks need
// no environment plumbing.
const discodeSendSource = `#!/usr/bin/env node
// discode-send: forward agent output to the discode daemon.
const http = require("http");
const fs = require("fs");

const PROJECT = %q;
const PORT = %d;

function post(path, body) {
  return new Promise((resolve) => {
    const data = JSON.stringify(body);
    const req = http.request(
      { host: "127.0.0.1", port: PORT, path, method: "POST",
        headers: { "Content-Type": "application/json", "Content-Length": Buffer.byteLength(data) } },
      (res) => { res.resume(); res.on("end", resolve); }
    );
    req.on("error", resolve); // daemon down: swallow, the fallback reports
    req.end(data);
  });
}

function parseLines(path) {
  const entries = [];
  for (const line of fs.readFileSync(path, "utf8").split("\n")) {
    if (!line.trim()) continue;
    try { entries.push(JSON.parse(line)); } catch {}
  }
  return entries;
}

function textSegments(message) {
  const content = (message && message.content) || [];
  if (typeof content === "string") return content;
  if (!Array.isArray(content)) return "";
  return content.filter((p) => p && p.type === "text").map((p) => p.text || "").join("");
}

// A user entry counts as a turn boundary only when it carries real text;
// tool_result echoes stay inside the turn.
function isRealUserMessage(entry) {
  if (!entry || entry.type !== "user") return false;
  const content = entry.message && entry.message.content;
  if (typeof content === "string") return content.trim() !== "";
  if (!Array.isArray(content)) return false;
  return content.some((p) => p && p.type === "text" && (p.text || "").trim() !== "");
}

// extractTurn reads the transcript tail: text is the concatenated text
// segments of the latest assistant message id, turnText is all assistant
// text since the last real user message. Returns null while the tail does
// not yet end with an assistant entry.
function extractTurn(entries) {
  const last = entries[entries.length - 1];
  if (!last || last.type !== "assistant") return null;

  const lastID = last.message && last.message.id;
  let text = "";
  for (const e of entries) {
    if (e.type === "assistant" && e.message && e.message.id === lastID) {
      text += textSegments(e.message);
    }
  }

  const turnParts = [];
  for (let i = entries.length - 1; i >= 0; i--) {
    if (isRealUserMessage(entries[i])) break;
    if (entries[i].type === "assistant") turnParts.unshift(textSegments(entries[i].message));
  }
  return { text, turnText: turnParts.filter(Boolean).join("\n") };
}

async function readTranscript(path) {
  for (let attempt = 0; attempt < 3; attempt++) {
    try {
      const turn = extractTurn(parseLines(path));
      if (turn) return turn;
    } catch {}
    await new Promise((r) => setTimeout(r, 150));
  }
  return { text: "", turnText: "" };
}

async function main() {
  const args = process.argv.slice(2);
  const agent = process.env.AGENT_DISCORD_AGENT || "";
  const instance = process.env.AGENT_DISCORD_INSTANCE || "";

  if (args[0] === "--event") {
    // Hook mode: read the hook payload from stdin and relay it. Claude's
    // Stop hook carries no response text, only transcript_path.
    let raw = "";
    for await (const chunk of process.stdin) raw += chunk;
    let input = {};
    try { input = JSON.parse(raw); } catch {}

    let text = input.prompt_response || input.text || "";
    let turnText = text;
    if (!text && input.transcript_path) {
      ({ text, turnText } = await readTranscript(input.transcript_path));
    }
    await post("/opencode-event", {
      projectName: PROJECT, agentType: agent, instanceId: instance,
      type: "session.idle", text, turnText, hook: input,
    });
    return;
  }

  // File mode: every argument is an absolute path to attach.
  await post("/send-files", {
    projectName: PROJECT, agentType: agent, instanceId: instance, files: args,
  });
}

main();
`

// InstallSendHelper writes <projectPath>/.discode/bin/discode-send and its
// package.json marker.
func InstallSendHelper(projectPath, projectName string, port int) error {
	binDir := filepath.Join(projectPath, ".discode", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("project.InstallSendHelper: %w", err)
	}

	script := fmt.Sprintf(discodeSendSource, projectName, port)
	if err := os.WriteFile(filepath.Join(binDir, "discode-send"), []byte(script), 0o755); err != nil {
		return fmt.Errorf("project.InstallSendHelper: %w", err)
	}

	// The helper uses require(); keep it commonjs even in ESM projects.
	pkg := []byte("{\"type\":\"commonjs\"}\n")
	if err := os.WriteFile(filepath.Join(binDir, "package.json"), pkg, 0o644); err != nil {
		return fmt.Errorf("project.InstallSendHelper: %w", err)
	}
	return nil
}
