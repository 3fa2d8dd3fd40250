package script

// HelperBundle is the JavaScript prelude shared by every composed script.
// It is included whole in each script so that no script ever depends on a
// helper that was left out. Everything it defines hangs off the __fb object.
//
// Field accessors return raw values (dates stay Date objects) so filters can
// compare them; serialize converts dates to ISO 8601 strings on the way out.
const HelperBundle = `const __fb = (() => {
  const msg = (e) => String((e && e.message) || e);
  const safeGet = (fn, fallback) => {
    try {
      const v = fn();
      return v === undefined ? fallback : v;
    } catch (e) {
      return fallback;
    }
  };
  const iso = (d) => (d instanceof Date && !isNaN(d.getTime()) ? d.toISOString() : null);
  const idOf = (o) => (o ? safeGet(() => o.id(), null) : null);
  const classOf = (o) => (o ? safeGet(() => o.class(), '') : '');
  const tagNames = (o) => o.tags().map((t) => t.name());

  const accessors = {
    task: {
      id: (o) => o.id(),
      name: (o) => o.name(),
      note: (o) => o.note(),
      flagged: (o) => o.flagged(),
      completed: (o) => o.completed(),
      inInbox: (o) => o.inInbox(),
      dueDate: (o) => o.dueDate(),
      deferDate: (o) => o.deferDate(),
      completionDate: (o) => o.completionDate(),
      estimatedMinutes: (o) => o.estimatedMinutes(),
      projectId: (o) => idOf(o.containingProject()),
      tags: tagNames,
      repetitionRule: (o) => {
        const r = o.repetitionRule();
        return r ? r.recurrence || null : null;
      },
    },
    project: {
      id: (o) => o.id(),
      name: (o) => o.name(),
      note: (o) => o.note(),
      flagged: (o) => o.flagged(),
      completed: (o) => o.completed(),
      dueDate: (o) => o.dueDate(),
      deferDate: (o) => o.deferDate(),
      status: (o) => o.status(),
      folderId: (o) => idOf(o.folder()),
      taskCount: (o) => o.numberOfTasks(),
      tags: tagNames,
    },
    tag: {
      id: (o) => o.id(),
      name: (o) => o.name(),
      parentId: (o) => {
        const c = o.container();
        return classOf(c) === 'tag' ? idOf(c) : null;
      },
      taskCount: (o) => o.remainingTaskCount(),
    },
    folder: {
      id: (o) => o.id(),
      name: (o) => o.name(),
      parentId: (o) => {
        const c = o.container();
        return classOf(c) === 'folder' ? idOf(c) : null;
      },
    },
  };

  const fieldsOf = (entity) => {
    const a = accessors[entity];
    if (!a) throw new Error('unknown entity class ' + entity);
    return a;
  };
  const get = (entity, o, field) => {
    const a = fieldsOf(entity)[field];
    if (!a) throw new Error('unknown field ' + entity + '.' + field);
    return safeGet(() => a(o), null);
  };
  const serialize = (entity, o, projection) => {
    const names = projection && projection.length > 0 ? projection : Object.keys(fieldsOf(entity));
    const out = {};
    names.forEach((f) => {
      const v = get(entity, o, f);
      out[f] = v instanceof Date ? iso(v) : v;
    });
    return out;
  };

  const norm = (v) => {
    if (v === undefined) return null;
    if (v instanceof Date) return v.getTime();
    return v;
  };
  const test = (actual, c) => {
    const a = norm(actual);
    const b = norm(c.value);
    switch (c.op) {
      case 'isNull':
        return a === null;
      case 'notNull':
        return a !== null;
      case 'eq':
        return a === b;
      case 'ne':
        return a !== b;
      case 'lt':
        return a !== null && b !== null && a < b;
      case 'lte':
        return a !== null && b !== null && a <= b;
      case 'gt':
        return a !== null && b !== null && a > b;
      case 'gte':
        return a !== null && b !== null && a >= b;
      case 'contains':
        if (Array.isArray(a)) return a.indexOf(b) !== -1;
        return typeof a === 'string' && typeof b === 'string' &&
          a.toLowerCase().indexOf(b.toLowerCase()) !== -1;
      default:
        throw new Error('unsupported operator ' + c.op);
    }
  };
  const matches = (entity, o, clauses, combinator) => {
    const hit = (c) => test(get(entity, o, c.field), c);
    return combinator === 'or' ? clauses.some(hit) : clauses.every(hit);
  };

  const collections = {
    task: (doc) => doc.flattenedTasks,
    project: (doc) => doc.flattenedProjects,
    tag: (doc) => doc.flattenedTags,
    folder: (doc) => doc.flattenedFolders,
  };
  const collection = (doc, entity) => {
    const c = collections[entity];
    if (!c) throw new Error('unknown entity class ' + entity);
    return c(doc);
  };
  const byId = (doc, entity, id) => {
    const o = collection(doc, entity).byId(id);
    if (safeGet(() => o.id(), null) === null) throw new Error(entity + ' ' + id + ' not found');
    return o;
  };
  const exists = (doc, entity, id) => safeGet(() => collection(doc, entity).byId(id).id(), null) !== null;

  const containers = {
    task: { key: 'projectId', entity: 'project', list: 'tasks' },
    project: { key: 'folderId', entity: 'folder', list: 'projects' },
    tag: { key: 'parentId', entity: 'tag', list: 'tags' },
    folder: { key: 'parentId', entity: 'folder', list: 'folders' },
  };
  const special = ['id', 'tags', 'repetitionRule', 'projectId', 'folderId', 'parentId', 'completed'];
  const props = (delta) => {
    const out = {};
    Object.keys(delta || {}).forEach((k) => {
      if (special.indexOf(k) === -1) out[k] = delta[k];
    });
    return out;
  };
  const setCompleted = (app, obj, delta) => {
    if (!delta || !('completed' in delta)) return;
    if (delta.completed) app.markComplete(obj);
    else app.markIncomplete(obj);
  };

  const create = (app, doc, entity, delta) => {
    const p = props(delta);
    const parent = containers[entity];
    const parentId = parent ? delta[parent.key] : null;
    let obj;
    switch (entity) {
      case 'task':
        if (parentId) {
          obj = app.Task(p);
          byId(doc, 'project', parentId).tasks.push(obj);
        } else {
          obj = app.InboxTask(p);
          doc.inboxTasks.push(obj);
        }
        break;
      case 'project':
        obj = app.Project(p);
        (parentId ? byId(doc, 'folder', parentId).projects : doc.projects).push(obj);
        break;
      case 'tag':
        obj = app.Tag(p);
        (parentId ? byId(doc, 'tag', parentId).tags : doc.tags).push(obj);
        break;
      case 'folder':
        obj = app.Folder(p);
        (parentId ? byId(doc, 'folder', parentId).folders : doc.folders).push(obj);
        break;
      default:
        throw new Error('unknown entity class ' + entity);
    }
    setCompleted(app, obj, delta);
    return obj;
  };

  const assign = (app, doc, entity, obj, delta) => {
    const p = props(delta);
    Object.keys(p).forEach((k) => {
      obj[k] = p[k];
    });
    setCompleted(app, obj, delta);
    const parent = containers[entity];
    if (parent && delta[parent.key]) {
      app.move(obj, { to: byId(doc, parent.entity, delta[parent.key])[parent.list].end });
    }
  };

  const reaffirm = (doc, p, id) => {
    if (p.mode === 'delete') {
      if (exists(doc, p.entity, id)) throw new Error(p.entity + ' ' + id + ' still present');
      return { id: id, deleted: true };
    }
    return serialize(p.entity, byId(doc, p.entity, id), p.projection);
  };
  const escalate = (app, doc, p, id) => {
    try {
      const raw = app.evaluateJavascript('(' + p.inner + ')(' + JSON.stringify(id) + ')');
      const r = typeof raw === 'string' ? JSON.parse(raw) : raw;
      if (!r || r.ok !== true) {
        return { ok: false, message: (r && r.message) || 'escalation returned no confirmation' };
      }
      return { ok: true, data: reaffirm(doc, p, id) };
    } catch (e) {
      return { ok: false, message: msg(e) };
    }
  };

  const ok = (data, extra) =>
    JSON.stringify(Object.assign({ ok: true, data: data === undefined ? null : data }, extra || {}));
  const fail = (e) =>
    JSON.stringify({
      ok: false,
      error: {
        message: msg(e),
        name: (e && e.name) || 'Error',
        number: e && typeof e.errorNumber === 'number' ? e.errorNumber : null,
      },
    });

  return {
    safeGet, iso, get, serialize, matches, collection, byId, exists,
    create, assign, escalate, ok, fail,
  };
})();
`
