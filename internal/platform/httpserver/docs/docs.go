// Package docs registers the OpenAPI document served under /swagger/.
// Regenerate with: swag init -g internal/platform/httpserver/server.go -o internal/platform/httpserver/docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/poll/all": {
            "get": {
                "produces": ["application/json"],
                "tags": ["polls"],
                "summary": "List polls",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/http.ListPollsResponse"}}
                }
            }
        },
        "/api/poll/{poll_id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["polls"],
                "summary": "Fetch a poll with the caller's current choice",
                "parameters": [
                    {"type": "string", "description": "poll id", "name": "poll_id", "in": "path", "required": true},
                    {"type": "string", "description": "voter id", "name": "X-User-Id", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/http.PollResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/api/vote/submit": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["votes"],
                "summary": "Cast or change a vote",
                "parameters": [
                    {"type": "string", "description": "voter id", "name": "X-User-Id", "in": "header", "required": true},
                    {"description": "vote", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/http.SubmitVoteRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/http.SubmitVoteResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "504": {"description": "Gateway Timeout", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/api/vote/{poll_id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["votes"],
                "summary": "Current tally of a poll",
                "parameters": [
                    {"type": "string", "description": "poll id", "name": "poll_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/http.TallyResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/api/vote/stream/{poll_id}": {
            "get": {
                "produces": ["text/event-stream"],
                "tags": ["votes"],
                "summary": "Live tally stream (Server-Sent Events, event vote_update)",
                "parameters": [
                    {"type": "string", "description": "poll id", "name": "poll_id", "in": "path", "required": true},
                    {"type": "string", "description": "subscriber id", "name": "X-User-Id", "in": "header"}
                ],
                "responses": {
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "http.ErrorResponse": {
            "type": "object",
            "properties": {"code": {"type": "string"}, "message": {"type": "string"}}
        },
        "http.SubmitVoteRequest": {
            "type": "object",
            "properties": {"poll_id": {"type": "string"}, "option_id": {"type": "string"}}
        },
        "http.VoteCount": {
            "type": "object",
            "properties": {"option_id": {"type": "string"}, "vote_count": {"type": "integer"}}
        },
        "http.SubmitVoteResponse": {
            "type": "object",
            "properties": {
                "poll_id": {"type": "string"},
                "option_id": {"type": "string"},
                "previous_option_id": {"type": "string"},
                "changed": {"type": "boolean"},
                "version": {"type": "integer"},
                "counts": {"type": "array", "items": {"$ref": "#/definitions/http.VoteCount"}}
            }
        },
        "http.TallyResponse": {
            "type": "object",
            "properties": {
                "poll_id": {"type": "string"},
                "version": {"type": "integer"},
                "total_votes": {"type": "integer"},
                "counts": {"type": "array", "items": {"$ref": "#/definitions/http.VoteCount"}}
            }
        },
        "http.OptionResponse": {
            "type": "object",
            "properties": {"option_id": {"type": "string"}, "caption": {"type": "string"}, "position": {"type": "integer"}}
        },
        "http.PollResponse": {
            "type": "object",
            "properties": {
                "poll_id": {"type": "string"},
                "creator_id": {"type": "string"},
                "question": {"type": "string"},
                "options": {"type": "array", "items": {"$ref": "#/definitions/http.OptionResponse"}},
                "expires_at": {"type": "string"},
                "created_at": {"type": "string"},
                "open": {"type": "boolean"},
                "current_option_id": {"type": "string"}
            }
        },
        "http.PollSummary": {
            "type": "object",
            "properties": {
                "poll_id": {"type": "string"},
                "question": {"type": "string"},
                "option_count": {"type": "integer"},
                "expires_at": {"type": "string"},
                "open": {"type": "boolean"}
            }
        },
        "http.ListPollsResponse": {
            "type": "object",
            "properties": {"items": {"type": "array", "items": {"$ref": "#/definitions/http.PollSummary"}}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "pollcast API",
	Description:      "Live polls: vote submission, tallies and tally streams.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
