// Package docs holds the OpenAPI description served at /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "description": "Asynchronous host and port discovery over raw probes.",
    "title": "recon API",
    "license": {
      "name": "MIT",
      "url": "https://opensource.org/licenses/MIT"
    },
    "version": "1.0"
  },
  "basePath": "/api/v1",
  "schemes": [
    "http"
  ],
  "paths": {
    "/scans": {
      "post": {
        "consumes": ["application/json"],
        "produces": ["application/json"],
        "summary": "Create a new scan task",
        "description": "Submit targets, ports and probe kinds. The request is validated, persisted and queued for a worker, and the handler answers 202 with the task id.",
        "operationId": "createScan",
        "tags": ["Scans"],
        "security": [{"ApiKeyAuth": []}],
        "parameters": [
          {
            "description": "Scan request parameters",
            "name": "scanRequest",
            "in": "body",
            "required": true,
            "schema": {"$ref": "#/definitions/CreateScanRequest"}
          }
        ],
        "responses": {
          "202": {"description": "Scan accepted", "schema": {"$ref": "#/definitions/ScanAcceptedResponse"}},
          "400": {"description": "Malformed body, bad port expression or unknown probe kind", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "401": {"description": "Missing or incorrect API key", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "429": {"description": "Rate limit exceeded", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "500": {"description": "Failed to persist or queue the task", "schema": {"$ref": "#/definitions/ErrorResponse"}}
        }
      }
    },
    "/scans/{id}": {
      "get": {
        "produces": ["application/json"],
        "summary": "Get a scan task",
        "description": "Returns the task. Running tasks include the latest progress snapshot; completed and cancelled tasks include the final report.",
        "operationId": "getScan",
        "tags": ["Scans"],
        "security": [{"ApiKeyAuth": []}],
        "parameters": [
          {"type": "string", "format": "uuid", "description": "Task id (UUID v4)", "name": "id", "in": "path", "required": true}
        ],
        "responses": {
          "200": {"description": "Task state", "schema": {"$ref": "#/definitions/ScanTask"}},
          "400": {"description": "Malformed task id", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "401": {"description": "Missing or incorrect API key", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "404": {"description": "Unknown task", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "500": {"description": "Store failure", "schema": {"$ref": "#/definitions/ErrorResponse"}}
        }
      },
      "delete": {
        "produces": ["application/json"],
        "summary": "Cancel a scan task",
        "description": "Requests cancellation. A queued task is dropped when a worker picks it up; a running session stops dispatching and reports unfinished pairs as cancelled.",
        "operationId": "cancelScan",
        "tags": ["Scans"],
        "security": [{"ApiKeyAuth": []}],
        "parameters": [
          {"type": "string", "format": "uuid", "description": "Task id (UUID v4)", "name": "id", "in": "path", "required": true}
        ],
        "responses": {
          "202": {"description": "Cancellation requested", "schema": {"$ref": "#/definitions/ScanAcceptedResponse"}},
          "400": {"description": "Malformed task id", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "401": {"description": "Missing or incorrect API key", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "404": {"description": "Unknown task", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "409": {"description": "Task already finished", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "500": {"description": "Store failure", "schema": {"$ref": "#/definitions/ErrorResponse"}}
        }
      }
    }
  },
  "securityDefinitions": {
    "ApiKeyAuth": {
      "type": "apiKey",
      "name": "Authorization",
      "in": "header",
      "description": "Bearer token: Authorization: Bearer <API_KEY>"
    }
  },
  "definitions": {
    "CreateScanRequest": {
      "type": "object",
      "required": ["targets"],
      "properties": {
        "targets": {"type": "array", "items": {"type": "string"}, "example": ["192.0.2.10", "scanme.nmap.org"]},
        "ports": {"type": "string", "example": "22,80,443,top:20"},
        "kinds": {"type": "string", "example": "syn,icmp"}
      }
    },
    "ScanAcceptedResponse": {
      "type": "object",
      "properties": {
        "id": {"type": "string", "format": "uuid", "example": "a3f5c62e-1234-4f72-a84a-1c2d3e4f5678"},
        "status": {"type": "string", "example": "pending"}
      }
    },
    "ErrorResponse": {
      "type": "object",
      "properties": {
        "error": {"type": "string", "example": "task not found"}
      }
    },
    "Finding": {
      "type": "object",
      "properties": {
        "target": {"type": "string", "example": "scanme.nmap.org"},
        "address": {"type": "string", "example": "45.33.32.156"},
        "hostname": {"type": "string"},
        "port": {"type": "integer", "example": 22},
        "kind": {"type": "string", "enum": ["arp", "icmp", "syn"]},
        "state": {"type": "string", "enum": ["open", "closed", "filtered", "unreachable", "unresolved", "cancelled"]},
        "service": {"type": "string", "example": "ssh"},
        "rtt_ns": {"type": "integer"},
        "attempts": {"type": "integer"},
        "ttl": {"type": "integer"},
        "hops": {"type": "integer"},
        "os_family": {"type": "string", "example": "linux/unix"},
        "mac": {"type": "string"}
      }
    },
    "Stats": {
      "type": "object",
      "properties": {
        "sent": {"type": "integer"},
        "received": {"type": "integer"},
        "matched": {"type": "integer"},
        "unmatched": {"type": "integer"},
        "malformed": {"type": "integer"},
        "retries": {"type": "integer"},
        "send_errors": {"type": "integer"},
        "rtt_min_ns": {"type": "integer"},
        "rtt_avg_ns": {"type": "integer"},
        "rtt_max_ns": {"type": "integer"}
      }
    },
    "Snapshot": {
      "type": "object",
      "properties": {
        "session_id": {"type": "string"},
        "started_at": {"type": "string", "format": "date-time"},
        "elapsed_ns": {"type": "integer"},
        "pairs": {"type": "integer"},
        "completed": {"type": "integer"},
        "outstanding": {"type": "integer"},
        "states": {"type": "object", "additionalProperties": {"type": "integer"}},
        "stats": {"$ref": "#/definitions/Stats"},
        "done": {"type": "boolean"}
      }
    },
    "FinalReport": {
      "type": "object",
      "properties": {
        "session_id": {"type": "string"},
        "started_at": {"type": "string", "format": "date-time"},
        "ended_at": {"type": "string", "format": "date-time"},
        "elapsed_ns": {"type": "integer"},
        "cancelled": {"type": "boolean"},
        "findings": {"type": "array", "items": {"$ref": "#/definitions/Finding"}},
        "stats": {"$ref": "#/definitions/Stats"},
        "error": {"type": "string"}
      }
    },
    "ScanTask": {
      "type": "object",
      "properties": {
        "id": {"type": "string", "format": "uuid"},
        "status": {"type": "string", "enum": ["pending", "running", "completed", "cancelled", "failed"]},
        "targets": {"type": "array", "items": {"type": "string"}},
        "ports": {"type": "string"},
        "kinds": {"type": "string"},
        "progress": {"$ref": "#/definitions/Snapshot"},
        "report": {"$ref": "#/definitions/FinalReport"},
        "created_at": {"type": "string", "format": "date-time"},
        "completed_at": {"type": "string", "format": "date-time"},
        "cancel_requested": {"type": "boolean"},
        "error": {"type": "string"}
      }
    }
  }
}
`

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}

type swaggerDoc struct{}

func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}
