// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package wsvote carries consensus voting rounds over websocket.

Client implements consensus.VoterChannel. It maps voter ids to websocket
URLs, keeps one connection per voter and multiplexes proposals on it by
request id. Handler is the voter side: it accepts the connection, runs a
DecideFunc per proposal within the proposal deadline and answers with a
signed vote or an error frame.

Frames are JSON envelopes on the "agentcoord.vote.v1" subprotocol:

	{"type":"proposal","request_id":"…","proposal":{…}}
	{"type":"vote","request_id":"…","vote":{"voter_id":"v1","selection_id":"sel-a"}}
	{"type":"error","request_id":"…","error":"…"}

Wiring a coordinator:

	client := wsvote.NewClient(map[string]string{"v1": "ws://voter-1:8090/vote"}, nil, logger)
	defer client.Close()
	engine := consensus.NewEngine(nil, logger, consensus.WithVoterChannel(client))
*/
package wsvote
