package mcpserver

// PointerContract describes integrity pointers to LLM consumers that cite
// evidence and check citations.
const PointerContract = `# Tessera Pointer Contract

An integrity pointer cites a line range of one evidence item and carries a
hash of those lines, so any reader can check that the cited text is still
what the source says.

## URI form

` + "```" + `
dep://<corpus_id>/<source_key>/lines_<start>-<end>#<hash_prefix>
` + "```" + `

- ` + "`" + `corpus_id` + "`" + ` names the mailbox corpus.
- ` + "`" + `source_key` + "`" + ` is an item ID: ` + "`" + `msg-<id>` + "`" + ` for a message body (plain
  text, or HTML when there is no plain part), ` + "`" + `att-<id>-<n>` + "`" + ` for text attachment n.
- Lines are 1-based and inclusive, counted on the normalized text.
- ` + "`" + `hash_prefix` + "`" + ` is the leading hex of the SHA-256 of the range.

## Rules

1. **Cite, never paraphrase inside a pointer.** Issue a pointer with
   ` + "`" + `issue_pointer` + "`" + ` for the exact lines you rely on.
2. **Verify before you trust.** ` + "`" + `verify_pointer` + "`" + ` re-reads the live source.
   ` + "`" + `valid=true, reason=ok` + "`" + ` means the cited lines are unchanged.
3. **Drift is not an error in the tool, it is a finding.** ` + "`" + `drift=true` + "`" + ` with
   ` + "`" + `hash_mismatch` + "`" + ` or ` + "`" + `range_out_of_bounds` + "`" + ` means the source changed after
   the pointer was issued. Do not reuse the pointer.
4. ` + "`" + `superseded_version` + "`" + ` means the lines still match but a newer item version
   exists. Re-issue against the current version if you need to cite it again.
5. ` + "`" + `ruleset_changed` + "`" + ` means the source bytes are unchanged but the normalization
   rules changed since the pointer was issued, so its line numbers no longer
   line up. The pointer is moved to review; re-issue it.
6. ` + "`" + `source_unavailable` + "`" + ` and ` + "`" + `unknown_pointer` + "`" + ` mean the claim cannot be
   checked. Treat the citation as unverified.

## Threads

` + "`" + `get_thread` + "`" + ` returns the members of a conversation in canonical time order.
` + "`" + `explain_link` + "`" + ` returns why a message sits under its parent: the method,
the evidence and every rejected alternative.
`
